package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elalber2000/mini-snowflake/catalog"
	"github.com/elalber2000/mini-snowflake/distributed/communication"
	"github.com/elalber2000/mini-snowflake/distributed/coordinator"
	"github.com/elalber2000/mini-snowflake/distributed/engine"
	"github.com/elalber2000/mini-snowflake/distributed/registry"
)

func main() {
	var (
		port                = flag.String("port", "8080", "HTTP listen port")
		catalogPath         = flag.String("catalog-path", "./data", "Directory holding manifests and shard files")
		maxInFlight         = flag.Int("max-in-flight", 32, "Maximum concurrently dispatched tasks per query")
		maxRetries          = flag.Int("max-retries", 3, "Maximum per-task retries on a different worker")
		reduceFanin         = flag.Int("reduce-fanin", 8, "Partials combined per reduce task")
		taskTimeout         = flag.Duration("task-timeout", 30*time.Second, "Per-task deadline")
		queryTimeout        = flag.Duration("query-timeout", 5*time.Minute, "Whole-query deadline")
		acquireTimeout      = flag.Duration("acquire-timeout", 10*time.Second, "Max wait for a healthy worker")
		cancelGrace         = flag.Duration("cancel-grace", 2*time.Second, "Cancellation grace period (stored in the engine config; the engine does not read it)")
		workerTTL           = flag.Duration("worker-ttl", 45*time.Second, "Heartbeat staleness before a worker is marked unhealthy")
		failureThreshold    = flag.Int("failure-threshold", 3, "Consecutive task failures before a worker is marked unhealthy")
		defaultRowsPerShard = flag.Int64("default-rows-per-shard", 100000, "Fallback ROWS PER SHARD for INSERT INTO … FROM")
	)
	flag.Parse()

	cat := catalog.NewStore(*catalogPath)
	reg := registry.New(registry.Config{WorkerTTL: *workerTTL, FailureThreshold: *failureThreshold})
	defer reg.Close()

	transport := communication.NewHTTPTransport()
	coord := coordinator.New(cat, reg, transport, coordinator.Config{
		Engine: engine.Config{
			MaxInFlight:    *maxInFlight,
			MaxRetries:     *maxRetries,
			ReduceFanin:    *reduceFanin,
			TaskTimeout:    *taskTimeout,
			QueryTimeout:   *queryTimeout,
			AcquireTimeout: *acquireTimeout,
			CancelGrace:    *cancelGrace,
		},
		DefaultRowsPerShard: *defaultRowsPerShard,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/workers/heartbeat", func(c *gin.Context) {
		var req communication.HeartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reg.Register(req.WorkerID, req.Address)
		if err := reg.Heartbeat(req.WorkerID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/query", func(c *gin.Context) {
		var req struct {
			SQL string `json:"sql"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		batch, err := coord.Execute(c.Request.Context(), req.SQL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if batch == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schema": batch.Schema, "rows": batch.Rows})
	})

	log.Printf("coordinator listening on :%s (catalog at %s)", *port, *catalogPath)
	if err := router.Run(":" + *port); err != nil {
		log.Fatalf("coordinator server stopped: %v", err)
	}
}
