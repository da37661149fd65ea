package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"blast/internal/observability"
	"blast/internal/service"
)

// bodyHeadroom covers the JSON envelope and form fields around an image.
const bodyHeadroom = 1 << 20

// BodyLimit is the request cap that still admits an image of maxImageBytes once base64
// has grown it by a third. Zero falls back to the service default.
func BodyLimit(maxImageBytes int) int64 {
	if maxImageBytes <= 0 {
		maxImageBytes = service.DefaultMaxImageBytes
	}
	return int64(maxImageBytes)*4/3 + bodyHeadroom
}

type Server struct {
	Mux *mux.Router
}

// New returns a router whose routes are counted, capped at maxBody bytes and
// panic-safe. Access logging wraps the whole router so unmatched paths are logged too.
func New(maxBody int64) *Server {
	r := mux.NewRouter()
	r.Use(Recover, MaxBody(maxBody), Metrics(observability.APIRequests, observability.APILatency))
	return &Server{Mux: r}
}

func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}
