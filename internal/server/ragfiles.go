package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/service"
)

// maxUploadBytes caps one multipart upload to a retrieval service.
const maxUploadBytes = 1 << 30

// retrieval resolves :kind/:name to a registered retrieval service.
func (r *Router) retrieval(c *gin.Context) (string, bool) {
	k, ok := r.kind(c)
	if !ok {
		return "", false
	}
	if k != service.KindRetrieval {
		badRequest(c, "files are only kept for retrieval services")
		return "", false
	}
	name, ok := r.name(c)
	if !ok {
		return "", false
	}
	if _, err := r.deps.Manager.Get(k, name); err != nil {
		writeError(c, err)
		return "", false
	}
	return name, true
}

func (r *Router) handleListFiles(c *gin.Context) {
	name, ok := r.retrieval(c)
	if !ok {
		return
	}
	files, err := r.deps.RagFiles.List(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, files)
}

func (r *Router) handleUploadFile(c *gin.Context) {
	name, ok := r.retrieval(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "multipart field \"file\" required: "+err.Error())
		return
	}
	src, err := fh.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = src.Close() }()
	f, err := r.deps.RagFiles.Save(name, fh.Filename, src)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, f)
}

func (r *Router) handleDeleteFile(c *gin.Context) {
	name, ok := r.retrieval(c)
	if !ok {
		return
	}
	file := c.Param("file")
	if err := checkName(file); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := r.deps.RagFiles.Delete(name, file); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: file + " deleted"})
}
