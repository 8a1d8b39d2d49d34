// Copyright 2026 CM4all GmbH. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command proxy wires every memory/caching/request-lifecycle component
// into a running reverse HTTP proxy: translation client, the four
// caches, the session manager, the connection manager and the control
// socket, the way cmd/tfd-proxy/main.go wires the TFD pipeline into a
// runnable HTTP harness.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cm4all/edgecore/internal/cache/filtercache"
	"github.com/cm4all/edgecore/internal/cache/httpcache"
	"github.com/cm4all/edgecore/internal/cache/nfscache"
	"github.com/cm4all/edgecore/internal/cache/translationcache"
	"github.com/cm4all/edgecore/internal/config"
	"github.com/cm4all/edgecore/internal/connmgr"
	"github.com/cm4all/edgecore/internal/control"
	"github.com/cm4all/edgecore/internal/logging"
	"github.com/cm4all/edgecore/internal/memcore/pool"
	"github.com/cm4all/edgecore/internal/memcore/rubber"
	"github.com/cm4all/edgecore/internal/memcore/slicepool"
	"github.com/cm4all/edgecore/internal/reqstate"
	"github.com/cm4all/edgecore/internal/resourceloader"
	"github.com/cm4all/edgecore/internal/session"
	"github.com/cm4all/edgecore/internal/telemetry"
	"github.com/cm4all/edgecore/internal/translate"
)

var log = logging.For("main")

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file (defaults baked in if empty)")
	nfsRoot := flag.String("nfs_root", "/srv/nfs", "local filesystem root standing in for NFS exports")
	controlUID := flag.Int("control_uid", -1, "uid required for privileged control commands (-1 disables the check)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error("loading config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	rootPool := pool.NewDummy(nil, "root")

	bodySlicePool := slicepool.New("body", cfg.SlicePool.SliceSize, cfg.SlicePool.SlicesPerArea)

	rub, err := rubber.New(cfg.Rubber.MaxSize)
	if err != nil {
		log.Error("creating rubber allocator", "error", err)
		os.Exit(1)
	}

	httpCache := httpcache.New(cfg.HTTPCache.MaxSize, time.Now, time.Now)
	filterCache := filtercache.New(cfg.FilterCache.MaxSize, 1<<20, cfg.FilterCache.Sweep, rub, time.Now, time.Now)
	nfsCache := nfscache.New(cfg.NFSCache.MaxSize, cfg.NFSCache.Sweep, rub, time.Now, time.Now)
	tcache := translationcache.New(4, cfg.TranslationCache.MaxSize, cfg.TranslationCache.Sweep, time.Now, time.Now)

	sessions := session.New(cfg.Session.NodeID, cfg.Session.IdleTimeout, cfg.Session.MaxSessions)
	if cfg.Session.SidecarPath != "" {
		sessions.SetSidecarPath(cfg.Session.SidecarPath)
		if err := sessions.LoadFromFile(cfg.Session.SidecarPath); err != nil && !os.IsNotExist(err) {
			log.Warn("loading session sidecar", "error", err)
		}
	}

	rawTranslate := translate.NewUnixClient(cfg.TranslationSocket)
	translateClient := translate.Client(&translate.CachedClient{
		Next:  rawTranslate,
		Cache: tcache,
		Site:  func(req *translate.Request) string { return req.Host },
	})

	loader := resourceloader.Loader(resourceloader.NewDirect())
	loader = &resourceloader.NFS{
		Next:   loader,
		Cache:  nfsCache,
		Client: &resourceloader.LocalFSClient{Root: *nfsRoot},
		Server: "localhost",
		Export: "",
	}
	loader = &resourceloader.Cached{
		Next:  loader,
		Cache: httpCache,
		Rub:   rub,
		Now:   time.Now,
	}
	loader = &resourceloader.Filter{
		Next:  loader,
		Cache: filterCache,
		SourceID: func(r *http.Request) string { return r.URL.Path },
		User: func(r *http.Request) string {
			if c, err := r.Cookie("session"); err == nil {
				return c.Value
			}
			return ""
		},
		FilterAddressID: 0,
		CacheTag:        "",
	}

	machine := reqstate.NewMachine(reqstate.Config{
		Translate:        translateClient,
		Sessions:         sessions,
		Loader:           loader,
		InlineAuthPrefix: cfg.InlineAuthPrefix,
		Now:              time.Now,
	})

	mgr := connmgr.New(connmgr.Config{
		RootPool:     rootPool,
		BodyPool:     bodySlicePool,
		Machine:      machine,
		MaxConns:     4096,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		NumWorkers:   cfg.NumWorkers,
	})

	// A configured Redis address fans TCACHE_INVALIDATE out across every
	// proxy process sharing that instance, the same cross-process
	// invalidation problem internal/cache/translationcache.Subscribe
	// solves for the translation cache specifically.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := mgr.Server()
	srv.Handler = withMetricsFallthrough(mux, srv.Handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go httpCache.Run(ctx)
	go filterCache.Run(ctx)
	go nfsCache.Run(ctx)
	go tcache.Run(ctx)
	go sessions.Run(ctx)
	if redisClient != nil {
		go func() {
			if err := tcache.Subscribe(ctx, redisClient); err != nil && ctx.Err() == nil {
				log.Error("translation cache invalidation subscription ended", "error", err)
			}
		}()
	}

	dispatcher := &control.Dispatcher{
		RootPool:    rootPool,
		HTTPCache:   httpCache,
		FilterCache: filterCache,
		Translation: tcache,
		Sessions:    sessions,
		RedisClient: redisClient,
		OnFadeChildren: func(tag string) {
			log.Info("FADE_CHILDREN received", "tag", tag)
		},
		OnTerminateChildren: func() {
			log.Info("TERMINATE_CHILDREN received")
			cancel()
		},
		SetZeroconfEnabled: func(enabled bool) {
			log.Info("zeroconf toggled", "enabled", enabled)
		},
	}
	if *controlUID >= 0 {
		uid := uint32(*controlUID)
		dispatcher.RequireUID = &uid
	}

	os.Remove(cfg.ControlPath)
	controlSrv, err := control.Listen(cfg.ControlPath, dispatcher)
	if err != nil {
		log.Error("starting control socket", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := controlSrv.Serve(); err != nil {
			log.Info("control socket closed", "error", err)
		}
	}()
	defer controlSrv.Close()

	listeners := make([]net.Listener, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("listen", "address", addr, "error", err)
			os.Exit(1)
		}
		listeners = append(listeners, mgr.Listen(ln))
	}

	for _, ln := range listeners {
		ln := ln
		go func() {
			log.Info("listening", "address", ln.Addr())
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Error("serve", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if cfg.Session.SidecarPath != "" {
		if err := sessions.SaveToFile(cfg.Session.SidecarPath); err != nil {
			log.Warn("saving session sidecar", "error", err)
		}
	}
}

// withMetricsFallthrough serves /metrics from mux and everything else
// from next, avoiding a second listener just for Prometheus scraping.
func withMetricsFallthrough(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
