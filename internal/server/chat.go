package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/conversation"
	"github.com/loykin/warden/internal/service"
)

type createConversationReq struct {
	Title string `json:"title"`
}

type updateConversationReq struct {
	Title    string                 `json:"title"`
	Messages []conversation.Message `json:"messages"`
}

// messageStreamReq names the target the way the UI lists it: list_type is
// the service kind alias, selected_item the model or service name.
type messageStreamReq struct {
	Messages     []conversation.Message `json:"messages"`
	ListType     string                 `json:"list_type"`
	SelectedItem string                 `json:"selected_item"`
}

type eventsResp struct {
	Events any `json:"events"`
}

func (r *Router) handleListConversations(c *gin.Context) {
	list, err := r.deps.Conversations.List()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleCreateConversation(c *gin.Context) {
	var req createConversationReq
	if !bindJSON(c, &req) {
		return
	}
	conv, err := r.deps.Conversations.Create(req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, conv)
}

func (r *Router) handleGetConversation(c *gin.Context) {
	conv, err := r.deps.Conversations.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, conv)
}

func (r *Router) handleUpdateConversation(c *gin.Context) {
	var req updateConversationReq
	if !bindJSON(c, &req) {
		return
	}
	conv, err := r.deps.Conversations.Update(c.Param("id"), req.Title, req.Messages)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, conv)
}

func (r *Router) handleUpdateTitle(c *gin.Context) {
	var req createConversationReq
	if !bindJSON(c, &req) {
		return
	}
	conv, err := r.deps.Conversations.UpdateTitle(c.Param("id"), req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, conv)
}

func (r *Router) handleDeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := r.deps.Conversations.Delete(id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: "conversation " + id + " deleted"})
}

func (r *Router) handleMessageStream(c *gin.Context) {
	var req messageStreamReq
	if !bindJSON(c, &req) {
		return
	}
	kind, err := service.ParseKind(req.ListType)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := r.deps.Stream.CreateMessageStream(c.Request.Context(), c.Param("id"), req.Messages, kind, req.SelectedItem)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleEvents(c *gin.Context) {
	from, err := strconv.Atoi(c.Param("index"))
	if err != nil || from < 0 {
		badRequest(c, "index must be a non-negative integer")
		return
	}
	evs, err := r.deps.Stream.GetEvents(c.Param("request_id"), from)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, eventsResp{Events: evs})
}
