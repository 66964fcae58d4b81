package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub002/internal/httpapi"
	"github.com/hushh-labs/consent-protocol-sub002/internal/obs"
	"github.com/hushh-labs/consent-protocol-sub002/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	log.SetFlags(0)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	signer, err := consent.DefaultSigner()
	if err != nil {
		log.Fatalf("consentd: %v (set CONSENT_SIGNING_SECRET)", err)
	}

	var (
		store consent.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("CONSENT_PG_DSN"); dsn != "" {
		pg, err := consent.OpenPG(dsn)
		if err != nil {
			log.Fatalf("consentd: open postgres: %v", err)
		}
		defer pg.Close()
		store = pg
		probe = httpapi.ReadyProbe{DB: pg.DB()}
		log.Println("consentd: using postgres store")
	} else {
		store = consent.NewInMemory()
		log.Println("consentd: using in-memory store (single instance only)")
	}

	events := stream.New()
	svc, err := consent.NewService(store, signer, consent.WithPublisher(events))
	if err != nil {
		log.Fatalf("consentd: %v", err)
	}

	api := httpapi.New(probe, version, svc, events)

	addr := os.Getenv("CONSENT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("consentd: listening on %s", addr)
		obs.SetReady(true)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("consentd: serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	obs.SetReady(false)
	log.Println("consentd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("consentd: shutdown: %v", err)
	}
}
