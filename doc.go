// Package pttflow provides a Go client for a push-to-talk (PTT) group
// communication service and the RX session that keeps a live event stream
// connected.
//
// The service does the heavy lifting: authentication, media encoding,
// transcription and translation all happen remotely. This package calls into
// it, dispatches stream events and reconnects when the stream drops. The flow
// and nodes packages build on it to route PTT events through a graph of nodes.
//
// Key Features:
//   - REST client for login, group engagement and directory lookups
//   - Event sending (ptt, text, userstatus, image, location)
//   - Media upload/fetch and speech call-throughs
//   - WebSocket event stream with ping/pong keepalives
//   - RX session with automatic re-login, re-engage and reconnect
//
// Basic Usage:
//
//	cfg := pttflow.Config{
//		APIEndpoint: "https://api.ptt.example.com",
//		Credential:  pttflow.Password{Username: "dispatch", Password: "secret"},
//	}
//	client, err := pttflow.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	rx := pttflow.NewRXSession(client, pttflow.RXConfig{Groups: []string{"g1"}})
//	rx.OnEvent(func(e pttflow.Event) { fmt.Println(e.EventType, e.Sender) })
//	go rx.Run(ctx)
//	defer rx.Close()
package pttflow
