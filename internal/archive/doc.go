// Package archive iterates previously stored page archives for re-crawl and
// re-index runs. A Registry maps archive type tags (WEB, TEXT, MIX) to Source
// constructors; a Cursor wraps one Source and persists its position after
// every step so a later request, possibly in another process, resumes where
// the previous one stopped.
package archive
