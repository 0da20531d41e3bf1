package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/memberworks/membersync/internal/batchfile"
	"github.com/memberworks/membersync/internal/model"
	"github.com/memberworks/membersync/internal/pipeline"
	"github.com/memberworks/membersync/internal/ratelimit"
	"github.com/memberworks/membersync/internal/store"
	"github.com/memberworks/membersync/internal/verify"
	"github.com/memberworks/membersync/pkg/voterroll"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initLimiter() (ratelimit.Limiter, error) {
	switch cfg.RateLimit.Backend {
	case "memory":
		return ratelimit.NewMemory(cfg.RateLimit.HourlyCapacity), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		return ratelimit.NewRedis(client, cfg.RateLimit.HourlyCapacity), nil
	case "service":
		if cfg.RateLimit.ServiceURL == "" {
			return nil, eris.New("ratelimit.service_url is required for the service backend")
		}
		return ratelimit.NewService(cfg.RateLimit.ServiceURL, cfg.RateLimit.HourlyCapacity), nil
	default:
		return nil, eris.Errorf("unsupported rate limit backend: %s", cfg.RateLimit.Backend)
	}
}

func initVoterRoll() voterroll.Client {
	return voterroll.NewClient(
		cfg.VoterRoll.BaseURL,
		cfg.VoterRoll.ClientID,
		cfg.VoterRoll.ClientSecret,
		voterroll.WithRateLimit(float64(cfg.VoterRoll.RequestsPerSecond)),
	)
}

func initPipeline(st store.Store, dryRun bool) (*pipeline.Pipeline, error) {
	limiter, err := initLimiter()
	if err != nil {
		return nil, err
	}
	return pipeline.New(st, initVoterRoll(), limiter, pipeline.Options{
		Verify: verify.Config{
			Workers:       cfg.Verify.Workers,
			LookupTimeout: time.Duration(cfg.VoterRoll.LookupTimeoutSecs) * time.Second,
		},
		Progress: pipeline.LogProgress{},
		DryRun:   dryRun,
	}), nil
}

// batchSheet resolves the XLSX sheet selection: the --sheet flag wins,
// then the configured default name.
func batchSheet(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Ingest.SheetName
}

// readBatch loads a batch file by extension: .xlsx through the spreadsheet
// reader, anything else as CSV.
func readBatch(path string, sheetIndex int, sheetName string) (pipeline.Batch, error) {
	var records []model.RawRecord
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		records, err = batchfile.ReadXLSX(path, batchfile.XLSXOptions{
			SheetIndex: sheetIndex,
			SheetName:  sheetName,
		})
	default:
		records, err = batchfile.ReadCSV(path)
	}
	if err != nil {
		return pipeline.Batch{}, err
	}
	return pipeline.Batch{FileName: filepath.Base(path), Records: records}, nil
}
