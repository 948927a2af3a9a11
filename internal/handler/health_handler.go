package handler

import (
	"context"
	"net/http"
	"time"

	"seat-service/internal/client"
	"seat-service/internal/repository/scylla"
)

// HealthHandler reports liveness and backend readiness.
type HealthHandler struct {
	scylla *scylla.ScyllaClient
	redis  *client.RedisClient
	kafka  *client.KafkaProducer
	ch     *client.ClickHouseClient
	es     *client.ESClient
}

func NewHealthHandler(scyllaClient *scylla.ScyllaClient, redisClient *client.RedisClient, kafka *client.KafkaProducer, ch *client.ClickHouseClient, es *client.ESClient) *HealthHandler {
	return &HealthHandler{
		scylla: scyllaClient,
		redis:  redisClient,
		kafka:  kafka,
		ch:     ch,
		es:     es,
	}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "seat-service",
	})
}

// Readiness checks every backend. Kafka, ClickHouse and Elasticsearch are
// reported but do not fail readiness: they carry observability, not state.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := h.scylla.HealthCheck(); err != nil {
		checks["scylla"] = err.Error()
		ready = false
	} else {
		checks["scylla"] = "ok"
	}

	if err := h.redis.HealthCheck(ctx); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	if h.kafka != nil {
		if err := h.kafka.HealthCheck(ctx); err != nil {
			checks["kafka"] = err.Error()
		} else {
			checks["kafka"] = "ok"
		}
	}
	if h.ch != nil {
		if err := h.ch.HealthCheck(ctx); err != nil {
			checks["clickhouse"] = err.Error()
		} else {
			checks["clickhouse"] = "ok"
		}
	}
	if h.es != nil {
		if err := h.es.HealthCheck(); err != nil {
			checks["elasticsearch"] = err.Error()
		} else {
			checks["elasticsearch"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}
