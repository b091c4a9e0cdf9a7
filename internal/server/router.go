package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/conversation"
	"github.com/loykin/warden/internal/errs"
	mng "github.com/loykin/warden/internal/manager"
	"github.com/loykin/warden/internal/progress"
	"github.com/loykin/warden/internal/ragfiles"
	"github.com/loykin/warden/internal/stream"
)

// Deps are the components the HTTP surface drives. Metrics and RagFiles may
// be nil to leave their routes unmounted. DownloadDir is used when a download request
// names no install dir.
type Deps struct {
	Manager          *mng.Manager
	Conversations    *conversation.Store
	Stream           *stream.Pipeline
	Downloads        *progress.Tracker
	RagFiles         *ragfiles.Store
	Metrics          http.Handler
	ProgressInterval time.Duration
	DownloadDir      string
}

// Router provides embeddable HTTP handlers for services, chat and
// downloads. Endpoints:
//
//	GET    {basePath}/services/:kind
//	POST   {basePath}/services/:kind
//	PUT    {basePath}/services/:kind/:name
//	DELETE {basePath}/services/:kind/:name
//	POST   {basePath}/services/:kind/:name/:action    start|stop
//	GET    {basePath}/services/:kind/:name/status
//	GET    {basePath}/services/:kind/:name/logs/:stream/:offset
//	GET    {basePath}/services/:kind/:name/files       retrieval only
//	POST   {basePath}/services/:kind/:name/files       multipart "file"
//	DELETE {basePath}/services/:kind/:name/files/:file
//	       {basePath}/chat/conversations...
//	POST   {basePath}/downloads
//	GET    {basePath}/download-progress/:task_id      (SSE)
//	GET    {basePath}/metrics
//
// :kind accepts models, rags and byzer-sql as well as the canonical names.
type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(d Deps, basePath string) *Router {
	if d.ProgressInterval <= 0 {
		d.ProgressInterval = progress.DefaultInterval
	}
	return &Router{deps: d, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	svc := group.Group("/services/:kind")
	svc.GET("", r.handleList)
	svc.POST("", r.handleAdd)
	svc.PUT("/:name", r.handleUpdate)
	svc.DELETE("/:name", r.handleDelete)
	svc.POST("/:name/:action", r.handleAction)
	svc.GET("/:name/status", r.handleStatus)
	svc.GET("/:name/logs/:stream/:offset", r.handleLogs)
	if r.deps.RagFiles != nil {
		svc.GET("/:name/files", r.handleListFiles)
		svc.POST("/:name/files", r.handleUploadFile)
		svc.DELETE("/:name/files/:file", r.handleDeleteFile)
	}

	chat := group.Group("/chat/conversations")
	chat.GET("", r.handleListConversations)
	chat.POST("", r.handleCreateConversation)
	chat.GET("/:id", r.handleGetConversation)
	chat.PUT("/:id", r.handleUpdateConversation)
	chat.DELETE("/:id", r.handleDeleteConversation)
	chat.PUT("/:id/title", r.handleUpdateTitle)
	chat.POST("/:id/messages/stream", r.handleMessageStream)
	chat.GET("/events/:request_id/:index", r.handleEvents)

	group.POST("/downloads", r.handleStartDownload)
	group.GET("/download-progress/:task_id", r.handleDownloadProgress)

	if r.deps.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.deps.Metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Responses carry no write timeout since progress streams stay open for
// the length of a download.
func NewServer(addr, basePath string, d Deps) (*http.Server, error) {
	r := NewRouter(d, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type messageResp struct {
	Message string `json:"message"`
}

func writeError(c *gin.Context, err error) {
	code := errs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: errs.Kind(err)})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg, Kind: errs.Kind(errs.ErrInvalidState)})
}
