// Package metric provides Prometheus-based metrics collection and an HTTP
// server for registry monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// platform metrics (service status, change event throughput, NATS health)
// and custom component-specific metrics. It includes an HTTP server exposing
// metrics in Prometheus format for monitoring system integration.
//
// # Architecture
//
// The package follows a three-layer design:
//
//  1. Core Metrics: Platform-level metrics automatically registered (Metrics type)
//  2. Registry: Extensible registration for component-specific metrics (Registrar interface)
//  3. HTTP Server: Metrics endpoint with health checks (Server type)
//
// This architecture separates infrastructure concerns (core metrics) from
// application concerns (component-specific metrics) while providing a
// unified metrics endpoint for monitoring systems.
//
// # Basic Usage
//
// Setting up metrics collection and HTTP server:
//
//	registry := metric.NewRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() { _ = server.Start() }()
//	defer func() { _ = server.Stop() }()
//
// Components register their own collectors:
//
//	cutovers := prometheus.NewCounterVec(prometheus.CounterOpts{
//		Name: "cutovers_total",
//		Help: "Cutover attempts by result",
//	}, []string{"environment", "result"})
//	if err := registry.Register("deploy", "cutovers_total", cutovers); err != nil {
//		return err
//	}
package metric
