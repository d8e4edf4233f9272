// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	_ "github.com/go-sql-driver/mysql"
	"github.com/gorilla/mux"
	v1 "github.com/provote/provote/api/v1"
	"github.com/provote/provote/events"
	"github.com/provote/provote/fraud"
	"github.com/provote/provote/fraud/analysis"
	"github.com/provote/provote/idemp"
	"github.com/provote/provote/reputation"
	repmysql "github.com/provote/provote/reputation/mysql"
	"github.com/provote/provote/vote"
	votemysql "github.com/provote/provote/vote/mysql"
	"github.com/provote/provote/vote/results"
	"github.com/robfig/cron"
)

const appVersion = "1.0.0"

// provoted is the vote ingestion daemon context.
type provoted struct {
	cfg *config
	svc *vote.Service
	db  vote.DB
}

func _main() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %v", err)
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	setLogLevels(cfg.DebugLevel)

	log.Infof("Version: %v", appVersion)
	log.Infof("Home dir: %v", cfg.HomeDir)

	// Connect MySQL. One pool serves the vote ledger and the reputation
	// store.
	dsn := fmt.Sprintf("%v:%v@tcp(%v)/%v", cfg.MySQLUser, cfg.MySQLPass,
		cfg.MySQLHost, cfg.MySQLName)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open mysql: %v", err)
	}
	defer db.Close()
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	err = db.Ping()
	if err != nil {
		return fmt.Errorf("ping mysql %v: %v", cfg.MySQLHost, err)
	}
	log.Infof("MySQL host: %v", cfg.MySQLHost)

	voteDB, err := votemysql.New(db, nil)
	if err != nil {
		return fmt.Errorf("new vote db: %v", err)
	}
	repDB, err := repmysql.New(db, nil)
	if err != nil {
		return fmt.Errorf("new reputation db: %v", err)
	}

	// Connect redis. It backs the idempotency store, the fingerprint
	// activity cache, the results cache invalidation, and the event bus.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	_, err = rdb.Ping().Result()
	if err != nil {
		return fmt.Errorf("ping redis %v: %v", cfg.RedisAddr, err)
	}
	log.Infof("Redis host: %v", cfg.RedisAddr)

	// Assemble the ingestion service.
	ledger := reputation.New(repDB, reputation.Policy{})
	pipeline := fraud.New(voteDB, fraud.NewRedisCache(rdb, 0),
		fraud.Settings{
			BlockScore: cfg.BlockScore,
		})
	manager := events.NewManager()
	bus := events.NewBus(rdb, manager)
	svc := vote.New(voteDB, voteDB, idemp.NewRedis(rdb, 0), pipeline,
		ledger, results.New(rdb), bus)

	p := provoted{
		cfg: cfg,
		svc: svc,
		db:  voteDB,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for cross-process vote events and log them locally. Other
	// subscribers, e.g. a websocket layer, register on the same manager
	// for the polls they care about.
	go bus.Run(ctx)
	ch := make(chan events.Message, 64)
	manager.Register(events.PollAll, ch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-ch:
				log.Debugf("Vote %v cast on poll %v", m.VoteID, m.PollID)
			}
		}
	}()

	// Background duties: pattern analysis and the expired block sweep.
	analyzer := analysis.New(voteDB, analysis.Settings{
		AlertThreshold: cfg.AlertThreshold,
		FlagThreshold:  cfg.FlagThreshold,
	})
	c := cron.New()
	err = c.AddFunc(cfg.AnalyzeSchedule, func() {
		report, err := analyzer.AnalyzeAll(ctx)
		if err != nil {
			log.Errorf("analyze votes: %v", err)
			return
		}
		log.Infof("Pattern analysis: %v polls, %v patterns, %v alerts, "+
			"%v votes flagged", len(report.PollIDs), len(report.Patterns),
			report.AlertsCreated, report.VotesFlagged)
	})
	if err != nil {
		return fmt.Errorf("schedule analyzer: %v", err)
	}
	err = c.AddFunc(cfg.SweepSchedule, func() {
		n, err := ledger.UnblockExpired(ctx)
		if err != nil {
			log.Errorf("unblock expired: %v", err)
			return
		}
		if n > 0 {
			log.Infof("Unblocked %v expired IP blocks", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule block sweep: %v", err)
	}
	c.Start()
	defer c.Stop()

	// Ingestion API.
	router := mux.NewRouter()
	router.StrictSlash(true)
	api := router.PathPrefix(v1.APIRoute).Subrouter()
	api.HandleFunc(v1.RouteVoteSubmit, p.handleVoteSubmit).Methods(http.MethodPost)
	api.HandleFunc(v1.RouteVoteRetract, p.handleVoteRetract).Methods(http.MethodPost)
	api.HandleFunc(v1.RouteVoteDetails, p.handleVoteDetails).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Infof("Listening on %v", cfg.Listen)
		srvErr <- srv.ListenAndServe()
	}()

	// Wait until the OS or the listener tells us to shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("Received signal %v, shutting down", sig)
	case err := <-srvErr:
		log.Errorf("HTTP server: %v", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), 10*time.Second)
	defer shutdownCancel()
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Errorf("HTTP shutdown: %v", err)
	}

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
