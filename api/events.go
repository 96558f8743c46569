package api

import (
	"fmt"
	"net/http"

	"ciorch/events"
)

// SSEHandler streams pipeline events as Server-Sent Events.
func SSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		client := make(chan string, 64)
		broker := events.GetBroker()
		broker.Register(client)
		defer broker.Unregister(client)

		flusher, _ := w.(http.Flusher)
		fmt.Fprintf(w, "event: connected\ndata: {\"message\": \"Connected to ciorch events\"}\n\n")
		if flusher != nil {
			flusher.Flush()
		}

		for {
			select {
			case message, ok := <-client:
				if !ok {
					return
				}
				fmt.Fprint(w, message)
				if flusher != nil {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}
