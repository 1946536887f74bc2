package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"

	wc "github.com/linnemanlabs/winnow/internal/cfg"
)

const envPrefix = "WINNOW_"

// settings gathers the option structs of every package the server wires.
type settings struct {
	app    wc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config

	showVersion bool
}

// parseSettings registers each package's flags on fs and parses args.
// Environment variables only fill flags the command line left unset.
func parseSettings(fs *flag.FlagSet, args []string) (*settings, error) {
	s := &settings{}
	s.app.RegisterFlags(fs)
	s.http.RegisterFlags(fs)
	s.httpmw.RegisterFlags(fs)
	s.log.RegisterFlags(fs)
	s.ops.RegisterFlags(fs)
	s.prof.RegisterFlags(fs)
	s.trace.RegisterFlags(fs)
	fs.BoolVar(&s.showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if s.showVersion {
		return s, nil
	}

	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *settings) validate() error {
	if err := errors.Join(
		s.app.Validate(),
		s.http.Validate(),
		s.httpmw.Validate(),
		s.log.Validate(),
		s.ops.Validate(),
		s.prof.Validate(),
		s.trace.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if s.app.APIPort == s.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", s.app.APIPort)
	}
	return nil
}
