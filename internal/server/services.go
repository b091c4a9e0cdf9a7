package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/service"
)

func (r *Router) kind(c *gin.Context) (service.Kind, bool) {
	k, err := service.ParseKind(c.Param("kind"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return k, true
}

func (r *Router) name(c *gin.Context) (string, bool) {
	n := c.Param("name")
	if err := checkName(n); err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return n, true
}

// checkPaths rejects relative or uncleaned filesystem paths in a record.
func checkPaths(rec service.Record) error {
	switch {
	case rec.Model != nil:
		return checkAbsPath("work_dir", rec.Model.WorkDir)
	case rec.Retrieval != nil:
		return checkAbsPath("work_dir", rec.Retrieval.WorkDir)
	case rec.SQLEngine != nil:
		if err := checkAbsPath("install_dir", rec.SQLEngine.InstallDir); err != nil {
			return err
		}
		return checkAbsPath("pid_file", rec.SQLEngine.PIDFile)
	}
	return nil
}

func (r *Router) bindRecord(c *gin.Context) (service.Record, bool) {
	var rec service.Record
	if !bindJSON(c, &rec) {
		return rec, false
	}
	if err := checkPaths(rec); err != nil {
		badRequest(c, err.Error())
		return rec, false
	}
	return rec, true
}

func (r *Router) handleList(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	recs, err := r.deps.Manager.List(k)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleAdd(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	rec, ok := r.bindRecord(c)
	if !ok {
		return
	}
	if err := checkName(rec.Name); err != nil {
		badRequest(c, err.Error())
		return
	}
	out, err := r.deps.Manager.Add(k, rec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleUpdate(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	rec, ok := r.bindRecord(c)
	if !ok {
		return
	}
	out, err := r.deps.Manager.Update(k, name, rec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDelete(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	if _, err := r.deps.Manager.Delete(k, name); err != nil {
		writeError(c, err)
		return
	}
	if k == service.KindRetrieval && r.deps.RagFiles != nil {
		if err := r.deps.RagFiles.RemoveAll(name); err != nil {
			slog.Warn("remove retrieval files", "name", name, "error", err)
		}
	}
	writeJSON(c, http.StatusOK, messageResp{Message: name + " deleted"})
}

func (r *Router) handleAction(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	action := c.Param("action")
	rec, err := r.deps.Manager.Action(c.Request.Context(), k, name, action)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStatus(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.deps.Manager.Status(c.Request.Context(), k, name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	offset, err := strconv.ParseInt(c.Param("offset"), 10, 64)
	if err != nil {
		badRequest(c, "offset must be an integer")
		return
	}
	res, err := r.deps.Manager.Logs(k, name, c.Param("stream"), offset)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
