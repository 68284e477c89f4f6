package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielpaulus/ptunp/ptunp"
	"github.com/danielpaulus/ptunp/ptunp/auth"
	"github.com/danielpaulus/ptunp/ptunp/discovery"
	"github.com/danielpaulus/ptunp/ptunp/scope"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONdisabled enables or disables output in JSON format
var JSONdisabled = false

const version = "local-build"

const (
	tokenSecretEnv = "PTUNP_TOKEN_SECRET"
	tokenEnv       = "PTUNP_TOKEN"
)

func main() {
	Main()
}

// usage is the docopt usage string of the ptunp command
func usage() string {
	return fmt.Sprintf(`ptunp %s

Usage:
  ptunp [serve] [options]
  ptunp connect <addr> [--node=<nodeid>] [options]
  ptunp discover [--wait=<duration>] [options]
  ptunp token [--subject=<name>] [--ttl=<duration>] [options]
  ptunp status --api=<addr> [options]
  ptunp -h | --help
  ptunp --version | version [options]

Options:
  -v --verbose          Enable Debug Logging.
  -t --trace            Enable Trace Logging (log every forwarded packet).
  --nojson              Disable JSON output (default).
  --logfile=<path>      Additionally write logs to <path>, rotated when it gets large.
  --listen=<addr>       UDP address of the tunnel endpoint [default: [::]:0].
  --key=<path>          Private key of this node, created if it does not exist.
  --auth=<strategy>     Authentication, one of noauth, token, allowlist [default: noauth].
  --allow=<nodeids>     Comma separated node ids accepted with --auth=allowlist.
  --reconnect           Admit a new peer after the current one disconnected.
  --announce=<name>     Announce the tunnel on the local network via mDNS.
  --api=<addr>          Address of the info api serving /tunnel and /metrics.
  -h --help             Show this screen.

The commands work as following:
	The default output of all commands is JSON. Should you prefer human readable output, specify the --nojson option with your command.
	Creating the tun interface needs root privileges on linux.
	Token authentication reads the signing secret from %s and the client token from %s.

   ptunp [serve] [options]                              Creates the tun interface 10.0.0.0 and waits for a single peer.
   ptunp connect <addr> [--node=<nodeid>] [options]     Connects to a tunnel server. --node pins the server's node id.
   ptunp discover [--wait=<duration>] [options]         Lists tunnel servers announced on the local network.
   ptunp token [--subject=<name>] [--ttl=<duration>]    Creates a token for --auth=token.
   ptunp status --api=<addr> [options]                  Prints the state of a server started with --api=<addr>.
   ptunp -h | --help                                    Prints this screen.
   ptunp --version | version [options]                  Prints the version

  `, version, tokenSecretEnv, tokenEnv)
}

// Main Exports main for testing
func Main() {
	arguments, err := docopt.ParseDoc(usage())
	if err != nil {
		log.Fatal(err)
	}
	disableJSON, _ := arguments.Bool("--nojson")
	if disableJSON {
		JSONdisabled = true
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	traceLevelEnabled, _ := arguments.Bool("--trace")
	if traceLevelEnabled {
		log.Info("Set Trace mode")
		log.SetLevel(log.TraceLevel)
	} else {
		verboseLoggingEnabledLong, _ := arguments.Bool("--verbose")
		if verboseLoggingEnabledLong {
			log.Info("Set Debug mode")
			log.SetLevel(log.DebugLevel)
		}
	}
	if logfile, _ := arguments.String("--logfile"); logfile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}))
	}
	log.Debug(arguments)

	shouldPrintVersionNoDashes, _ := arguments.Bool("version")
	shouldPrintVersion, _ := arguments.Bool("--version")
	if shouldPrintVersionNoDashes || shouldPrintVersion {
		printVersion()
		return
	}

	b, _ := arguments.Bool("token")
	if b {
		subject, _ := arguments.String("--subject")
		ttl := durationArg(arguments, "--ttl", 24*time.Hour)
		createToken(subject, ttl)
		return
	}

	b, _ = arguments.Bool("discover")
	if b {
		discover(durationArg(arguments, "--wait", 3*time.Second))
		return
	}

	b, _ = arguments.Bool("status")
	if b {
		api, _ := arguments.String("--api")
		printStatus(api)
		return
	}

	authName, _ := arguments.String("--auth")
	keyPath, _ := arguments.String("--key")
	identity := loadIdentity(keyPath)

	b, _ = arguments.Bool("connect")
	if b {
		addr, _ := arguments.String("<addr>")
		node, _ := arguments.String("--node")
		connect(addr, node, authName, identity)
		return
	}

	listen, _ := arguments.String("--listen")
	allow, _ := arguments.String("--allow")
	reconnect, _ := arguments.Bool("--reconnect")
	announce, _ := arguments.String("--announce")
	api, _ := arguments.String("--api")
	serve(serveOptions{
		listen:    listen,
		authName:  authName,
		allow:     allow,
		reconnect: reconnect,
		announce:  announce,
		api:       api,
		identity:  identity,
	})
}

type serveOptions struct {
	listen    string
	authName  string
	allow     string
	reconnect bool
	announce  string
	api       string
	identity  *transport.Identity
}

func serve(opts serveOptions) {
	strategy, err := strategyFromArgs(opts.authName, opts.allow, os.Getenv(tokenSecretEnv))
	exitIfError("invalid authentication settings", err)

	root := scope.New()
	cancelOnSignal(root)

	builder := ptunp.NewServerBuilder().
		WithCancellationScope(root).
		WithAuthStrategy(strategy).
		WithListenAddr(opts.listen).
		WithIdentity(opts.identity)
	if opts.reconnect {
		builder = builder.WithPeerPolicy(ptunp.SinglePeerAtATime)
	}
	if opts.announce != "" {
		builder = builder.WithAnnounce(opts.announce)
	}
	server, err := builder.Build()
	exitIfError("failed to start tunnel server", err)

	if opts.api != "" {
		go func() {
			if err := server.ServeAPI(root.Context(), opts.api); err != nil {
				log.WithError(err).Error("info api stopped")
			}
		}()
	}
	printOutput(map[string]interface{}{
		"nodeId": server.NodeID().String(),
		"addr":   server.Addr().String(),
		"alpn":   server.ALPN(),
	}, fmt.Sprintf("listening on %s as %s (%s)", server.Addr(), server.NodeID(), server.ALPN()))

	err = server.Join()
	exitIfError("tunnel server did not shut down cleanly", err)
}

func connect(addr string, node string, authName string, identity *transport.Identity) {
	presenter, err := presenterFromArgs(authName, os.Getenv(tokenEnv))
	exitIfError("invalid authentication settings", err)

	root := scope.New()
	cancelOnSignal(root)

	builder := ptunp.NewClientBuilder().
		WithCancellationScope(root).
		WithPresenter(presenter).
		WithIdentity(identity)
	if node != "" {
		id, err := transport.ParseNodeID(node)
		exitIfError("invalid node id", err)
		builder = builder.WithRemoteNodeID(id)
	}
	ctx, cancel := context.WithTimeout(root.Context(), 30*time.Second)
	client, err := builder.Dial(ctx, addr)
	cancel()
	exitIfError("failed to connect to tunnel server", err)

	cfg := client.Config()
	printOutput(map[string]interface{}{
		"address":      cfg.Address.String(),
		"destination":  cfg.Destination.String(),
		"mtu":          cfg.MTU,
		"remoteNodeId": client.RemoteNodeID().String(),
	}, fmt.Sprintf("connected as %s, peer is %s", cfg.Address, cfg.Destination))

	err = client.Join()
	exitIfError("tunnel ended with an error", err)
}

func discover(wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	services, err := discovery.Browse(ctx)
	exitIfError("failed to browse for tunnels", err)
	if JSONdisabled {
		for _, s := range services {
			addr, _ := s.Addr()
			fmt.Printf("%s\t%s\t%s\t%s\n", s.Instance, addr, s.ALPN, s.NodeID)
		}
		return
	}
	if services == nil {
		services = []discovery.Service{}
	}
	fmt.Println(convertToJSONString(services))
}

func createToken(subject string, ttl time.Duration) {
	secret := os.Getenv(tokenSecretEnv)
	if secret == "" {
		exitIfError("cannot create token", fmt.Errorf("%s is not set", tokenSecretEnv))
	}
	if subject == "" {
		subject, _ = os.Hostname()
	}
	token, err := auth.NewToken([]byte(secret), subject, ttl)
	exitIfError("failed to create token", err)
	printOutput(map[string]interface{}{"token": token}, token)
}

func loadIdentity(path string) *transport.Identity {
	if path == "" {
		return nil
	}
	identity, err := transport.LoadOrCreateIdentity(path)
	exitIfError("failed to load key", err)
	return identity
}

// strategyFromArgs maps the --auth flag to the server side strategy
func strategyFromArgs(name string, allow string, secret string) (auth.Strategy, error) {
	switch name {
	case "", "noauth":
		return auth.NoAuth{}, nil
	case "token":
		if secret == "" {
			return nil, fmt.Errorf("--auth=token needs %s", tokenSecretEnv)
		}
		return auth.NewTokenStrategy([]byte(secret)), nil
	case "allowlist":
		list := auth.NewAllowlist()
		for _, s := range strings.Split(allow, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			id, err := transport.ParseNodeID(s)
			if err != nil {
				return nil, err
			}
			list.Allow(id)
		}
		if len(list.Nodes()) == 0 {
			return nil, fmt.Errorf("--auth=allowlist needs at least one node id in --allow")
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unknown auth strategy '%s'", name)
	}
}

// presenterFromArgs maps the --auth flag to the client side presenter
func presenterFromArgs(name string, token string) (auth.Presenter, error) {
	switch name {
	case "", "noauth":
		return auth.NoAuth{}, nil
	case "token":
		if token == "" {
			return nil, fmt.Errorf("--auth=token needs %s", tokenEnv)
		}
		return auth.NewTokenPresenter(token), nil
	case "allowlist":
		return auth.NewAllowlist(), nil
	default:
		return nil, fmt.Errorf("unknown auth strategy '%s'", name)
	}
}

// cancelOnSignal cancels s on SIGINT or SIGTERM
func cancelOnSignal(s *scope.Scope) {
	guard := s.Guard()
	go func() {
		defer guard.Release()
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.WithField("signal", sig.String()).Info("shutting down")
		case <-s.Done():
		}
	}()
}

func durationArg(arguments docopt.Opts, name string, def time.Duration) time.Duration {
	s, _ := arguments.String(name)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	exitIfError(fmt.Sprintf("invalid duration for %s", name), err)
	return d
}

func printVersion() {
	printOutput(map[string]interface{}{"version": version}, version)
}

func printOutput(data interface{}, text string) {
	if JSONdisabled {
		fmt.Println(text)
	} else {
		fmt.Println(convertToJSONString(data))
	}
}

func convertToJSONString(data interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		fmt.Println(err)
		return ""
	}
	return string(b)
}

func exitIfError(msg string, err error) {
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Fatal(msg)
	}
}
