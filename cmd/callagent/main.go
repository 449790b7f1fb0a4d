// callagent is a headless call participant. It connects to the relay, places
// or answers one-to-one calls and logs every state change.
//
// Usage:
//
//	callagent --server ws://localhost:9090/ws --participant U2 --auto-accept
//	callagent --server ws://localhost:9090/ws --participant U1 --call S1 --to U2
//
// Without --token a development token is requested from the relay, which
// works only when the relay runs with DEV_TOKENS=true.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/akinalp/carecall/client"
	"github.com/akinalp/carecall/pkg/i18n"
	"github.com/akinalp/carecall/pkg/iceconfig"
	"github.com/akinalp/carecall/signaling"
	"github.com/akinalp/carecall/signaling/pionmedia"
	"github.com/akinalp/carecall/ws"
)

const closeWait = 5 * time.Second

type options struct {
	server      string
	token       string
	participant string
	displayName string
	call        string
	to          string
	autoAccept  bool
	iceConfig   string
	lang        string
	logLevel    string
	pretty      bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "callagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.logLevel, opts.pretty)
	if err != nil {
		return err
	}

	locales, err := fs.Sub(i18n.EmbeddedLocales, "locales")
	if err != nil {
		return fmt.Errorf("locales: %w", err)
	}
	if err := i18n.Load(locales); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := opts.token
	if token == "" {
		token, err = requestDevToken(sigCtx, opts.server, opts.participant, opts.displayName)
		if err != nil {
			return err
		}
	}

	ice := iceconfig.Default()
	if opts.iceConfig != "" {
		if ice, err = iceconfig.Load(opts.iceConfig); err != nil {
			return err
		}
	}
	factory, err := pionmedia.NewFactory(pionmedia.Options{ICEServers: ice.WebRTC(), Logger: &logger})
	if err != nil {
		return err
	}

	conn, err := client.Dial(sigCtx, client.Options{URL: opts.server, Token: token, Logger: &logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	self := conn.Ready().ParticipantID
	if opts.participant != "" && opts.participant != self {
		return fmt.Errorf("token belongs to %q, not %q", self, opts.participant)
	}

	cfg := conn.PolicyConfig()
	cfg.Logger = &logger
	agent, err := signaling.NewAgent(signaling.AgentParams{
		ParticipantID: self,
		Transport:     conn,
		Media:         factory.New,
		Config:        cfg,
	})
	if err != nil {
		return err
	}

	// The connection outlives the signal context so Close can still send hangups.
	connCtx, cancelConn := context.WithCancel(context.Background())
	defer cancelConn()

	rep := newReporter(logger, i18n.NewLocalizer(opts.lang))
	finished := make(chan struct{})
	var finishOnce sync.Once

	agent.OnStateChanged(func(c signaling.StateChange) {
		if m, ok := agent.Session(c.SessionID); ok {
			rep.remember(c.SessionID, m.CounterpartID())
		}
		rep.state(c)

		if c.To == signaling.StateRinging && opts.autoAccept {
			go func() {
				if err := agent.AcceptCall(connCtx, c.SessionID); err != nil {
					rep.failure(c.SessionID, err)
				}
			}()
		}
		// A placed call ends the run once it is over.
		if opts.call != "" && c.SessionID == opts.call && c.To.Terminal() {
			finishOnce.Do(func() { close(finished) })
		}
	})
	agent.OnError(func(err *signaling.CallError) { rep.callError(err) })
	agent.OnRemoteTrack(func(ev signaling.TrackEvent) {
		rep.track(ev)
		go drainTrack(ev.Track)
	})

	conn.OnSignal(func(env signaling.Envelope) {
		if err := agent.HandleEnvelope(connCtx, env); err != nil {
			logger.Debug().Err(err).Str("session", env.SessionID).Str("type", string(env.Type)).Msg("signal dropped")
		}
	})
	conn.OnSignalError(func(d ws.SignalErrorData) {
		rep.refused(d)
		// A fatal refusal surfaces through OnError.
		if err := agent.HandleRefusal(connCtx, d.Refusal()); err != nil && signaling.Recoverable(err) {
			logger.Debug().Err(err).Msg("refusal ignored")
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(connCtx) }()

	logger.Info().Str("participant", self).Str("server", opts.server).Msg("connected")

	if opts.call != "" {
		if _, err := agent.StartCall(sigCtx, opts.call, opts.to); err != nil {
			rep.failure(opts.call, err)
			return shutdown(agent, cancelConn, runErr)
		}
	}

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("interrupted, hanging up")
	case <-finished:
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay connection: %w", err)
		}
		return nil
	}
	return shutdown(agent, cancelConn, runErr)
}

// shutdown hangs up live calls, then closes the connection.
func shutdown(agent *signaling.Agent, cancelConn context.CancelFunc, runErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()

	closeErr := agent.Close(ctx)
	cancelConn()

	select {
	case <-runErr:
	case <-ctx.Done():
	}
	return closeErr
}

func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("callagent", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "ws://localhost:9090/ws", "relay WebSocket URL")
	flagSet.StringVar(&opts.token, "token", "", "access token (default: request a dev token)")
	flagSet.StringVarP(&opts.participant, "participant", "p", "", "participant id to act as")
	flagSet.StringVar(&opts.displayName, "name", "", "display name for a dev token")
	flagSet.StringVar(&opts.call, "call", "", "place a call for this session id")
	flagSet.StringVar(&opts.to, "to", "", "participant id to call (with --call)")
	flagSet.BoolVarP(&opts.autoAccept, "auto-accept", "a", false, "accept incoming calls")
	flagSet.StringVar(&opts.iceConfig, "ice-config", "", "YAML file with ICE servers")
	flagSet.StringVar(&opts.lang, "lang", i18n.DefaultLanguage, "language for call messages")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&opts.pretty, "pretty", true, "human-readable console logs")
	helpFlag := flagSet.BoolP("help", "h", false, "show this help")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if *helpFlag {
		printHelp(flagSet)
		return opts, pflag.ErrHelp
	}

	if opts.server == "" {
		return opts, fmt.Errorf("--server is required")
	}
	if opts.token == "" && opts.participant == "" {
		return opts, fmt.Errorf("--participant is required without --token")
	}
	if opts.call != "" && opts.to == "" {
		return opts, fmt.Errorf("--to is required with --call")
	}
	if opts.to != "" && opts.call == "" {
		return opts, fmt.Errorf("--call is required with --to")
	}
	return opts, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `callagent: headless call participant for the carecall relay

Usage: callagent [flags]

Waits for calls with --auto-accept, or places one with --call and --to.
Ctrl-C hangs up every live call and exits.

Flags:
`)
	flagSet.PrintDefaults()
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("--log-level: %w", err)
	}
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger(), nil
}
