package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-coordinator/internal/upload"
)

// Fetch protocol activities.
const (
	activityCrawlTime       = "crawlTime"
	activitySchedule        = "schedule"
	activityArchiveSchedule = "archiveSchedule"
	activityUpdate          = "update"
)

const (
	defaultSessionWindow = time.Hour
	// form encoding can inflate a part well past its raw size.
	postSizeSlack = 4
)

var sessionHasher = sha256.New()

// SessionToken derives the fetch session token for a request time.
func SessionToken(timeParam, secret string) string {
	token, _ := sessionHasher.Hash([]byte(timeParam + secret))
	return token
}

// sessionMiddleware rejects requests whose session is not the digest of
// time+secret or whose time is outside the session window.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	window := s.cfg.Coordinator.SessionWindow
	if window <= 0 {
		window = defaultSessionWindow
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.parseForm(w, r) {
			return
		}
		raw := r.Form.Get("time")
		session := r.Form.Get("session")
		sent, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || session == "" || err != nil {
			writeError(w, http.StatusForbidden, "missing session")
			return
		}
		age := s.clock.Now().Sub(time.Unix(sent, 0))
		if math.Abs(float64(age)) >= float64(window) {
			writeError(w, http.StatusForbidden, "session expired")
			return
		}
		if !sessionHasher.Verify([]byte(raw+s.cfg.Auth.Secret), session) {
			writeError(w, http.StatusForbidden, "invalid session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetcher := fetcherID(r)
		if !s.limiter.Allow(fetcher, s.clock.Now()) {
			metrics.ObserveRateLimited()
			s.logger.Debug("fetcher rate limited", zap.String("fetcher", fetcher))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseForm reads query and body parameters, bounding the body by the
// maximum post size.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if r.Form != nil {
		return true
	}
	if limit := s.cfg.Coordinator.MaxPostSize; limit > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, limit*postSizeSlack)
	}
	var err error
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		err = r.ParseMultipartForm(s.cfg.Coordinator.MaxPostSize * postSizeSlack)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "post too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed request")
		return false
	}
	return true
}

func (s *Server) dispatchActivity(w http.ResponseWriter, r *http.Request) {
	switch r.Form.Get("a") {
	case activityCrawlTime:
		s.crawlTime(w, r)
	case activitySchedule:
		s.schedule(w, r)
	case activityArchiveSchedule:
		s.archiveSchedule(w, r)
	case activityUpdate:
		s.update(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown activity")
	}
}

func (s *Server) crawlTime(w http.ResponseWriter, r *http.Request) {
	prior, ok := requiredParam(r, "crawl_time")
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	env, err := s.svc.CrawlTime(r.Context(), coordinator.CrawlTimeRequest{
		PriorCrawlTime:    crawl.ParseTimestamp(prior),
		FetcherPeakMemory: uintParam(r, "fetcher_peak_memory"),
		Fetcher:           fetcherID(r),
	})
	s.respond(w, r, activityCrawlTime, env, err)
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	ts, ok := requiredParam(r, "crawl_time")
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	shard := 0
	if raw := r.Form.Get("shard"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		shard = n
	}
	env, err := s.svc.Schedule(r.Context(), coordinator.ScheduleRequest{
		CrawlTime:      crawl.ParseTimestamp(ts),
		CheckCrawlTime: crawl.ParseTimestamp(r.Form.Get("check_crawl_time")),
		Shard:          shard,
		Fetcher:        fetcherID(r),
	})
	s.respond(w, r, activitySchedule, env, err)
}

func (s *Server) archiveSchedule(w http.ResponseWriter, r *http.Request) {
	ts, ok := requiredParam(r, "crawl_time")
	check, okCheck := requiredParam(r, "check_crawl_time")
	if !ok || !okCheck {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	env, err := s.svc.ArchiveSchedule(r.Context(), coordinator.ArchiveRequest{
		CrawlTime:      crawl.ParseTimestamp(ts),
		CheckCrawlTime: crawl.ParseTimestamp(check),
		Fetcher:        fetcherID(r),
	})
	s.respond(w, r, activityArchiveSchedule, env, err)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	part, ok := parsePart(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	env, err := s.svc.Update(r.Context(), coordinator.UpdateRequest{
		Part:              part,
		FetcherPeakMemory: uintParam(r, "fetcher_peak_memory"),
		Fetcher:           fetcherID(r),
	})
	s.respond(w, r, activityUpdate, env, err)
}

// parsePart reads the upload fields. Any missing or unparsable field makes
// the request a no-op.
func parsePart(r *http.Request) (upload.Part, bool) {
	fields := make(map[string]string, 6)
	for _, name := range []string{"byte_counts", "current_part", "hash_data", "hash_part", "num_parts"} {
		v, ok := requiredParam(r, name)
		if !ok {
			return upload.Part{}, false
		}
		fields[name] = v
	}
	data, ok := partData(r)
	if !ok {
		return upload.Part{}, false
	}
	var counts upload.ByteCounts
	if err := json.Unmarshal([]byte(fields["byte_counts"]), &counts); err != nil {
		return upload.Part{}, false
	}
	index, err := strconv.Atoi(fields["current_part"])
	if err != nil {
		return upload.Part{}, false
	}
	total, err := strconv.Atoi(fields["num_parts"])
	if err != nil {
		return upload.Part{}, false
	}
	return upload.Part{
		Data:        data,
		PartHash:    fields["hash_part"],
		Index:       index,
		Total:       total,
		PayloadHash: fields["hash_data"],
		ByteCounts:  counts,
		CrawlTime:   crawl.ParseTimestamp(r.Form.Get("crawl_time")),
	}, true
}

// partData returns the part field, which may be a form value or a file.
func partData(r *http.Request) ([]byte, bool) {
	if _, ok := r.Form["part"]; ok {
		return []byte(r.Form.Get("part")), true
	}
	if r.MultipartForm == nil {
		return nil, false
	}
	files := r.MultipartForm.File["part"]
	if len(files) == 0 {
		return nil, false
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, activity string, env coordinator.Envelope, err error) {
	if err != nil {
		s.logger.Error("fetch protocol failure",
			zap.String("activity", activity),
			zap.String("fetcher", fetcherID(r)),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func requiredParam(r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.Form.Get(name))
	return v, v != ""
}

func uintParam(r *http.Request, name string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(r.Form.Get(name)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// fetcherID is the fetcher_id parameter, or the remote host.
func fetcherID(r *http.Request) string {
	if id := strings.TrimSpace(r.FormValue("fetcher_id")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
