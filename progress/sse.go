package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Stream is the subscriber side of a progress bus. Bus implements it
// directly; RedisBus deployments wrap Subscribe with the request context.
type Stream interface {
	Subscribe(jobID string) (<-chan Event, func())
}

// sseHeartbeat keeps proxies from closing idle streams.
const sseHeartbeat = 30 * time.Second

// SSEHandler returns an echo handler streaming the job's progress events as
// server-sent events. The stream ends after the done event, on client
// disconnect, or never starts if the job id param is missing.
func SSEHandler(stream Stream) echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID := c.Param("jobID")
		if jobID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing job id")
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.WriteHeader(http.StatusOK)

		events, cancel := stream.Subscribe(jobID)
		defer cancel()

		ticker := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-c.Request().Context().Done():
				return nil
			case <-ticker.C:
				if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
					return nil
				}
				res.Flush()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
					return nil
				}
				res.Flush()
				if ev.Type == EventDone {
					return nil
				}
			}
		}
	}
}
