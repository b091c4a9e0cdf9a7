package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

type downloadReq struct {
	DownloadURL string `json:"download_url"`
	InstallDir  string `json:"install_dir"`
}

type downloadResp struct {
	TaskID string `json:"task_id"`
}

func (r *Router) handleStartDownload(c *gin.Context) {
	var req downloadReq
	if !bindJSON(c, &req) {
		return
	}
	if req.InstallDir == "" {
		req.InstallDir = r.deps.DownloadDir
	}
	if req.InstallDir == "" {
		badRequest(c, "install_dir is required")
		return
	}
	if err := checkAbsPath("install_dir", req.InstallDir); err != nil {
		badRequest(c, err.Error())
		return
	}
	id, err := r.deps.Downloads.Launch(req.DownloadURL, req.InstallDir)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, downloadResp{TaskID: id})
}

// handleDownloadProgress streams snapshots as server-sent events until the
// terminal one, which ends the response.
func (r *Router) handleDownloadProgress(c *gin.Context) {
	id := c.Param("task_id")
	updates, err := r.deps.Downloads.Subscribe(c.Request.Context(), id, r.deps.ProgressInterval)
	if err != nil {
		writeError(c, err)
		return
	}
	slog.Debug("progress stream opened", "task_id", id, "client_ip", c.ClientIP())

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		p, ok := <-updates
		if !ok {
			return false
		}
		c.Render(-1, sse.Event{Event: "progress", Id: p.TaskID, Data: p})
		return !p.Terminal()
	})
}
