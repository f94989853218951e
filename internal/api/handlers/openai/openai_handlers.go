// Package openai implements the OpenAI-compatible endpoint surface:
// chat completions backed by the serialized browser pipeline, the model
// catalog, and the queue management calls.
package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/api/handlers"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/pipeline"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/registry"
)

// maxRequestBody bounds inbound completion bodies. Inline data URIs
// make legitimate requests large, so the cap is generous.
const maxRequestBody = 20 << 20

// OpenAIAPIHandler contains the handlers for the OpenAI-compatible
// endpoints. Every completion goes through the shared pipeline.
type OpenAIAPIHandler struct {
	pipe *pipeline.Pipeline
	reg  *registry.Registry
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
func NewOpenAIAPIHandler(pipe *pipeline.Pipeline, reg *registry.Registry) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{pipe: pipe, reg: reg}
}

// OpenAIModels handles the /v1/models endpoint. It returns the model
// catalog scraped from the page, in OpenAI list format.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.reg.List(c.Request.Context()),
	})
}

// ChatCompletions handles the /v1/chat/completions endpoint for both
// streaming and non-streaming delivery.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("Invalid request: %v", err),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	reqCtx := c.Request.Context()
	probe := func() bool {
		select {
		case <-reqCtx.Done():
			return false
		default:
			return true
		}
	}

	it, errSubmit := h.pipe.Submit(reqCtx, rawJSON, probe)
	if errSubmit != nil {
		handlers.WriteError(c, "", errSubmit)
		return
	}

	if it.Streaming() {
		h.streamResponse(c, it)
	} else {
		h.unaryResponse(c, it)
	}
}

// streamResponse relays SSE payloads as the worker produces them. The
// response headers are held back until the first payload so failures
// before the first byte still get a proper JSON error status.
func (h *OpenAIAPIHandler) streamResponse(c *gin.Context, it *pipeline.Item) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		it.Cancel()
		handlers.WriteError(c, it.ReqID(), &streamingUnsupportedError{})
		return
	}

	headersSent := false
	sendHeaders := func() {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Request-ID", it.ReqID())
		c.Status(http.StatusOK)
		headersSent = true
	}

	for payload := range it.Chunks {
		if !headersSent {
			sendHeaders()
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		flusher.Flush()
	}

	// The worker fulfils the sink before closing the chunk channel, so
	// this never blocks.
	out, _ := it.Await(context.Background())
	if out.Err != nil {
		if !headersSent {
			handlers.WriteError(c, it.ReqID(), out.Err)
			return
		}
		// Mid-stream failures were already delivered as an error chunk;
		// ending without [DONE] tells the client the stream aborted.
		log.Debugf("request %s: stream ended with error: %v", it.ReqID(), out.Err)
		return
	}

	if !headersSent {
		sendHeaders()
	}
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// unaryResponse waits for the assembled completion document.
func (h *OpenAIAPIHandler) unaryResponse(c *gin.Context, it *pipeline.Item) {
	out, err := it.Await(c.Request.Context())
	if err != nil {
		// Client hung up before the result was ready. Pull the request
		// back out of the queue; the worker handles in-flight cases.
		h.pipe.Cancel(it.ReqID())
		log.Debugf("request %s: client disconnected while waiting", it.ReqID())
		return
	}
	if out.Err != nil {
		handlers.WriteError(c, it.ReqID(), out.Err)
		return
	}
	c.Header("X-Request-ID", it.ReqID())
	handlers.WriteJSONBody(c, out.Response)
}

// CancelRequest handles the /v1/cancel/:req_id endpoint.
func (h *OpenAIAPIHandler) CancelRequest(c *gin.Context) {
	reqID := c.Param("req_id")
	if !h.pipe.Cancel(reqID) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("no queued or in-flight request %q", reqID),
				Type:    "invalid_request_error",
			},
		})
		return
	}
	log.Infof("request %s: cancelled via management endpoint", reqID)
	c.JSON(http.StatusOK, gin.H{"success": true, "req_id": reqID})
}

// Queue handles the /v1/queue endpoint with a point-in-time snapshot of
// the queue and worker.
func (h *OpenAIAPIHandler) Queue(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipe.Snapshot())
}

type streamingUnsupportedError struct{}

func (e *streamingUnsupportedError) Error() string {
	return "streaming is not supported by the underlying connection"
}
