// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/peers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveFlags struct {
	Addr string `flag:"addr,default=localhost:7400,Address to accept endpoint connections on"`
	HTTP string `flag:"http,default=localhost:7401,Address of the diagnostic HTTP server"`
}

// endpointVars holds the counters of each endpoint served, by name.
var endpointVars = expvar.NewMap("tether_endpoints")

func runServe(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	log := newLogger()

	lst, err := channel.Listen(serveFlags.Addr)
	if err != nil {
		return err
	}
	hlst, err := net.Listen("tcp", serveFlags.HTTP)
	if err != nil {
		lst.Close()
		return err
	}
	ws := channel.NewWebSocketListener(hlst.Addr(), nil)

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	var seq atomic.Int64
	newEndpoint := func() *tether.Endpoint {
		name := fmt.Sprintf("echo-%d", seq.Add(1))
		ep := tether.New(&tether.Options{
			Name:         name,
			Logger:       log,
			MetricSink:   inm,
			MetricLabels: []metrics.Label{{Name: "server", Value: "echo"}},
		}).Handle(echoTarget, echoIface, echo)
		endpointVars.Set(name, ep.Metrics())
		ep.OnDisconnected(func(tether.ConnectionInfo, tether.DisconnectReason) {
			endpointVars.Delete(name)
		})
		return ep
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewExpvarCollector(map[string]*prometheus.Desc{
			"tether_endpoints": prometheus.NewDesc(
				"tether_endpoint_counter", "Activity counters of served endpoints.",
				[]string{"endpoint", "counter"}, nil,
			),
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/debug/vars", expvar.Handler())
	r.Get("/debug/metrics", func(w http.ResponseWriter, req *http.Request) {
		summary, err := inm.DisplayMetrics(w, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprintln(w, "ok") })
	r.Handle("/ws", ws)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	log.Info("serving", "addr", lst.Addr(), "http", hlst.Addr())
	g := taskgroup.New(nil)
	g.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), newEndpoint)
	})
	g.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(ws), newEndpoint)
	})
	g.Go(func() error {
		if err := srv.Serve(hlst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	ws.Close()
	srv.Shutdown(sctx)
	return g.Wait()
}
