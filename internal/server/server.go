// Package server implements bunnygw's HTTP server and S3-compatible route
// multiplexer.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/s3bunny/bunnygw/internal/auth"
	"github.com/s3bunny/bunnygw/internal/bunny"
	"github.com/s3bunny/bunnygw/internal/config"
	s3err "github.com/s3bunny/bunnygw/internal/errors"
	"github.com/s3bunny/bunnygw/internal/handlers"
	"github.com/s3bunny/bunnygw/internal/metrics"
	"github.com/s3bunny/bunnygw/internal/multipart"
	"github.com/s3bunny/bunnygw/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the bunnygw HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	client     *bunny.Client
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New builds a Server wired to a single Bunny storage zone, using cfg both
// to construct the Bunny client and to configure the SigV4 verifier against
// the gateway's one static credential pair (§4.1).
func New(cfg *config.Config) (*Server, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	metrics.Register()

	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("bunnygw S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	client := bunny.New(cfg.Hostname(), cfg.StorageZone, cfg.AccessKey)
	engine := multipart.New(client)
	verifier := auth.NewSigV4Verifier(auth.Credential{
		AccessKeyID: cfg.S3AccessKeyID,
		SecretKey:   cfg.S3SecretAccessKey,
	}, cfg.Region)

	s := &Server{
		cfg:      cfg,
		router:   router,
		api:      api,
		client:   client,
		verifier: verifier,
		bucket:   handlers.NewBucketHandler(cfg.StorageZone, cfg.S3AccessKeyID, cfg.S3AccessKeyID, cfg.Region, time.Now()),
		object:   handlers.NewObjectHandler(client, cfg.StorageZone),
		multi:    handlers.NewMultipartHandler(engine, cfg.StorageZone),
	}

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address (TCP host:port
// or, via Serve, a Unix domain socket). Middleware chain, outermost
// first: metricsMiddleware -> requestLoggingMiddleware -> commonHeaders ->
// transferEncodingCheck -> auth.Middleware -> router.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Serve runs the server on an already-bound listener (TCP or Unix domain
// socket). main does not call it: it binds its own listener and serves
// Handler() through its own http.Server.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler: s.handler(),
	}
	return s.httpServer.Serve(l)
}

// Handler returns the fully-wrapped HTTP handler, exposed so main can serve
// it over h2c with custom HTTP/2 settings instead of through (*Server).
func (s *Server) Handler() http.Handler {
	return s.handler()
}

func (s *Server) handler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.verifier)(handler)
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = requestLoggingMiddleware(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.client.Close()
	return err
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics are registered first; the S3
// catch-all /* is registered last and only ever sees what the others don't
// match.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports whether the gateway process is up. Does not probe Bunny.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path. Returns
// ("", "") for root "/", ("bucket", "") for "/{bucket}", and
// ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	idx := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// dispatch is the S3 operation dispatcher: it selects a handler method by
// HTTP method and query parameters, per §4.4 of the operation surface.
// Virtual-host-style requests carry the bucket in Host rather than the
// path, so this only uses parsePath to tell object-level from bucket-level
// and service-level requests apart; the handlers themselves re-derive the
// bucket/key via extractBucketName/extractObjectKey to support both
// addressing styles.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	if bucket == "" && r.Host != "" {
		if b := virtualHostBucket(r); b != "" {
			bucket = b
			key = r.URL.Path
			if len(key) > 0 && key[0] == '/' {
				key = key[1:]
			}
		}
	}
	q := r.URL.Query()

	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.bucket.ListBuckets(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				s.multi.UploadPart(w, r)
			case r.Header.Get("X-Amz-Copy-Source") != "":
				s.object.CopyObject(w, r)
			case q.Has("acl"):
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			default:
				s.object.PutObject(w, r)
			}
		case http.MethodGet:
			switch {
			case q.Has("acl"):
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			case q.Has("uploadId"):
				s.multi.ListParts(w, r)
			default:
				s.object.GetObject(w, r)
			}
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			if q.Has("uploadId") {
				s.multi.AbortMultipartUpload(w, r)
			} else {
				s.object.DeleteObject(w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				s.multi.CompleteMultipartUpload(w, r)
			case q.Has("uploads"):
				s.multi.CreateMultipartUpload(w, r)
			default:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			}
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		if q.Has("acl") {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		} else {
			s.bucket.CreateBucket(w, r)
		}
	case http.MethodGet:
		switch {
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("acl"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		case q.Has("uploads"):
			s.multi.ListMultipartUploads(w, r)
		case q.Has("list-type"):
			s.object.ListObjectsV2(w, r)
		default:
			s.object.ListObjects(w, r)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		s.bucket.DeleteBucket(w, r)
	case http.MethodPost:
		if q.Has("delete") {
			s.object.DeleteObjects(w, r)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}

// virtualHostBucket extracts the bucket name from Host for virtual-host
// style requests (bucket.rest-of-host), returning "" for path-style hosts.
func virtualHostBucket(r *http.Request) string {
	host := r.Host
	for i := 0; i < len(host); i++ {
		if host[i] == ':' {
			host = host[:i]
			break
		}
	}
	dot := -1
	for i := 0; i < len(host); i++ {
		if host[i] == '.' {
			dot = i
			break
		}
	}
	if dot <= 0 {
		return ""
	}
	return host[:dot]
}
