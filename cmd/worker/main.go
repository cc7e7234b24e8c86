package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/elalber2000/mini-snowflake/distributed/communication"
	"github.com/elalber2000/mini-snowflake/distributed/worker"
)

func main() {
	var (
		id                = flag.String("id", "", "Worker id, used by the coordinator's registry (required)")
		listenAddr        = flag.String("listen-addr", ":9090", "Address this worker's HTTP server binds to")
		advertiseAddr     = flag.String("advertise-addr", "", "Address the coordinator should dial (defaults to http://localhost followed by listen-addr)")
		coordinatorAddr   = flag.String("coordinator-addr", "http://localhost:8080", "Coordinator base URL to heartbeat against")
		heartbeatInterval = flag.Duration("heartbeat-interval", 10*time.Second, "Interval between heartbeats to the coordinator")
	)
	flag.Parse()

	if *id == "" {
		log.Fatalf("worker: -id is required")
	}
	advertise := *advertiseAddr
	if advertise == "" {
		advertise = "http://localhost" + *listenAddr
	}

	w := worker.New(*id)
	handler := communication.ServeWorkerHTTP(w)

	go heartbeatLoop(*coordinatorAddr, *id, advertise, *heartbeatInterval)

	log.Printf("worker %q listening on %s (advertising %s, heartbeating %s)", *id, *listenAddr, advertise, *coordinatorAddr)
	if err := http.ListenAndServe(*listenAddr, handler); err != nil {
		log.Fatalf("worker server stopped: %v", err)
	}
}

// heartbeatLoop periodically registers this worker's address with the
// coordinator's registry so it becomes eligible for task dispatch.
func heartbeatLoop(coordinatorAddr, id, advertise string, interval time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}
	send := func() {
		body, err := json.Marshal(communication.HeartbeatRequest{WorkerID: id, Address: advertise})
		if err != nil {
			log.Printf("worker: encoding heartbeat: %v", err)
			return
		}
		resp, err := client.Post(coordinatorAddr+"/workers/heartbeat", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("worker: heartbeat failed: %v", err)
			return
		}
		resp.Body.Close()
	}

	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		send()
	}
}
