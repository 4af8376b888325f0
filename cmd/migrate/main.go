package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/database"
	"github.com/stemsi/exstem-skills/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "", "Directory of .sql migrations (default: the ones built into the binary)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup("exstem-skills-migrate", cfg.LogLevel, cfg.LogFormat)

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	var (
		m   *migrate.Migrate
		err error
	)
	source := "embedded"
	if migrationDir != "" {
		source = migrationDir
		m, err = migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	} else {
		m, err = database.NewMigrator(cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatal().Err(err).Str("source", source).Msg("Failed to initialize migrator")
	}
	defer m.Close()

	log = log.With().Str("source", source).Str("command", args[0]).Logger()

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		// steps N applies N migrations forward, or -N back.
		n, convErr := intArg(args)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("Invalid step count")
		}
		err = m.Steps(n)
	case "force":
		v, convErr := intArg(args)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("Invalid version")
		}
		err = m.Force(v)
	case "version":
	default:
		printUsage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		log.Fatal().Err(verr).Msg("Failed to read schema version")
	}
	log.Info().
		Uint("version", version).
		Bool("dirty", dirty).
		Bool("no_change", errors.Is(err, migrate.ErrNoChange)).
		Msg("Schema migration finished")
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires an integer argument", args[0])
	}
	return strconv.Atoi(args[1])
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, steps <n>, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
