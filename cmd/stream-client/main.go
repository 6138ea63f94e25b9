/*
This is a simple app that subscribes to a given list of streams and prints
every received payload.
*/
package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/backpack-exchange/bpx-sdk-go/client/websocket"
	"github.com/backpack-exchange/bpx-sdk-go/config"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// We need this since getting user's home dir can fail.
	defaultConfig, err := config.DefaultFilepath()
	if err != nil {
		log.Fatal().Err(err).Msg("resolving default config path")
	}

	var (
		configFile string
		verbose    bool
		private    bool
		streams    []string
	)

	flag.StringVarP(&configFile, "config", "c", defaultConfig, "Configuration file")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Prints all state transitions to stderr")
	flag.BoolVar(&private, "private", false, "Sign the subscription (private streams)")
	flag.StringSliceVarP(&streams, "stream", "s", []string{}, "Stream name. This flag can be given multiple times")

	flag.Parse()

	if len(streams) == 0 {
		log.Fatal().Msg("at least one stream must be specified")
	}

	cfg, err := config.New(configFile)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) || private {
			log.Fatal().Err(err).Str("path", configFile).Msg("loading config")
		}

		// Public streams work without a config file at all.
		cfg = &config.BPX{}
	}

	if private {
		err = cfg.ValidateCredentials()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("validating config")
	}

	// Setup the stream connection (but don't connect just yet).
	c, err := websocket.NewStreamClient(&websocket.WSParams{
		URL:       cfg.StreamURL,
		APIKey:    cfg.APIKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating stream client")
	}

	c.OnError(func(err error, disconnecting bool) {
		log.Warn().Err(err).Bool("disconnecting", disconnecting).Msg("stream error")
	})

	if verbose {
		c.OnStateChange(websocket.ConnStateAny, func(oldState, state websocket.ConnState, cause error) {
			ev := log.Info().
				Str("from", websocket.ConnStateNames[oldState]).
				Str("to", websocket.ConnStateNames[state])
			if cause != nil {
				ev = ev.Err(cause)
			}
			if state == websocket.ConnStateConnected {
				ev = ev.Str("session_id", c.SessionID())
			}
			ev.Msg("state updated")
		})
	}

	handler := func(stream string) websocket.MessageHandler {
		return func(data json.RawMessage) {
			log.Info().Str("stream", stream).RawJSON("data", data).Msg("update")
		}
	}

	for _, s := range streams {
		var err error
		if private {
			err = c.SubscribePrivate([]string{s}, handler(s))
		} else {
			err = c.Subscribe([]string{s}, handler(s))
		}
		if err != nil {
			log.Fatal().Err(err).Str("stream", s).Msg("subscribing")
		}
	}

	if err := c.Connect(); err != nil {
		log.Fatal().Err(err).Msg("connecting")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Info().Msg("closing connection")
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("closing")
	}
}
