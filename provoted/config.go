// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "provoted.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "provoted.log"
	defaultLogLevel       = "info"
	defaultListen         = "127.0.0.1:4242"

	defaultMySQLHost = "localhost:3306"
	defaultMySQLUser = "provote"
	defaultMySQLName = "provote"

	defaultRedisAddr = "localhost:6379"

	defaultAnalyzeSchedule = "@every 5m"
	defaultSweepSchedule   = "@every 1h"
)

var (
	defaultHomeDir    = filepath.Join(homeDir(), ".provoted")
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for provoted.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir     string `long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	Listen      string `long:"listen" description:"API listen address"`

	MySQLHost string `long:"mysqlhost" description:"MySQL host:port"`
	MySQLUser string `long:"mysqluser" description:"MySQL user"`
	MySQLPass string `long:"mysqlpass" description:"MySQL password"`
	MySQLName string `long:"mysqlname" description:"MySQL database name"`

	RedisAddr string `long:"redisaddr" description:"Redis host:port"`
	RedisPass string `long:"redispass" description:"Redis password"`
	RedisDB   int    `long:"redisdb" description:"Redis database number"`

	BlockScore      int    `long:"blockscore" description:"Combined risk score at which a vote is blocked"`
	AlertThreshold  int    `long:"alertthreshold" description:"Pattern risk score at which alerts are created"`
	FlagThreshold   int    `long:"flagthreshold" description:"Pattern risk score at which votes are retroactively invalidated"`
	AnalyzeSchedule string `long:"analyzeschedule" description:"Cron schedule for the pattern analyzer"`
	SweepSchedule   string `long:"sweepschedule" description:"Cron schedule for the expired block sweep"`
}

func homeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := config{
		HomeDir:         defaultHomeDir,
		ConfigFile:      defaultConfigFile,
		LogDir:          defaultLogDir,
		DebugLevel:      defaultLogLevel,
		Listen:          defaultListen,
		MySQLHost:       defaultMySQLHost,
		MySQLUser:       defaultMySQLUser,
		MySQLName:       defaultMySQLName,
		RedisAddr:       defaultRedisAddr,
		AnalyzeSchedule: defaultAnalyzeSchedule,
		SweepSchedule:   defaultSweepSchedule,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("provoted version %v (%v %v/%v)\n", appVersion,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified. Since the home directory
	// is updated, other variables need to be updated to reflect the new
	// location.
	if preCfg.HomeDir != "" && preCfg.HomeDir != defaultHomeDir {
		cfg.HomeDir = filepath.Clean(preCfg.HomeDir)
		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("parse config file: %v", err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		return nil, err
	}

	if !validLogLevel(cfg.DebugLevel) {
		return nil, fmt.Errorf("invalid debuglevel %v", cfg.DebugLevel)
	}

	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		return nil, err
	}
	cfg.LogDir = filepath.Clean(cfg.LogDir)

	return &cfg, nil
}
