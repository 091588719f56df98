// Command sockrpc is a demo host for the session layer: "serve" exposes a
// small RPC surface over websocket, "call" dials it and invokes a hook.
//
// Configuration comes from flags or SOCKRPC_-prefixed environment
// variables (e.g. SOCKRPC_PORT).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/deevus/sockrpc"
)

func main() {
	pflag.String("host", "127.0.0.1", "host to listen on or dial")
	pflag.Int("port", 8000, "port to listen on or dial")
	pflag.Bool("ssl", false, "dial with TLS (call mode)")
	pflag.Float64("upgrade-rate", 0, "server upgrade rate limit per second (0 = unlimited)")
	pflag.String("method", "echo", "hook to invoke (call mode)")
	pflag.Parse()

	v := viper.New()
	v.SetEnvPrefix("SOCKRPC")
	v.AutomaticEnv()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		fatal(err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	switch pflag.Arg(0) {
	case "serve":
		fatal(serve(v, log))
	case "call":
		fatal(call(v, log))
	default:
		fmt.Fprintln(os.Stderr, "usage: sockrpc [flags] serve|call [args...]")
		os.Exit(2)
	}
}

func serve(v *viper.Viper, log *slog.Logger) error {
	server := sockrpc.NewServer(&sockrpc.ServerOptions{
		UpgradesPerSecond: v.GetFloat64("upgrade-rate"),
		Logger:            log,
	})
	server.OnSocket(func(sock *sockrpc.Socket) {
		sock.Hook("echo", func(args []any) (any, error) {
			return args, nil
		})
		sock.Hook("add", func(args []any) (any, error) {
			sum := 0.0
			for _, a := range args {
				n, ok := a.(float64)
				if !ok {
					return nil, sockrpc.NewError("add takes numbers")
				}
				sum += n
			}
			return sum, nil
		})
		sock.Listen("join", func(args []any) {
			for _, a := range args {
				if name, ok := a.(string); ok {
					sock.Join(name)
				}
			}
		})
		sock.OnError(func(err error) {
			log.Warn("socket error", "err", err)
		})
	})

	r := mux.NewRouter()
	r.Handle("/socket.io/", server)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf("%s:%d", v.GetString("host"), v.GetInt("port"))
	log.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, r)
}

func call(v *viper.Viper, log *slog.Logger) error {
	sock := sockrpc.Connect(v.GetInt("port"), v.GetString("host"), v.GetBool("ssl"), &sockrpc.Options{
		Logger: log,
	})
	defer sock.Destroy()
	sock.OnError(func(err error) {
		log.Warn("socket error", "err", err)
	})

	args := make([]any, 0, len(pflag.Args()[1:]))
	for _, a := range pflag.Args()[1:] {
		args = append(args, a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result any
	var err error
	for attempt := 0; ; attempt++ {
		result, err = sock.Call(ctx, v.GetString("method"), args...)
		if err == nil || ctx.Err() != nil || attempt >= 3 {
			break
		}
		log.Warn("call failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(sockrpc.CalculateBackoff(attempt)):
		case <-ctx.Done():
		}
	}
	if err != nil {
		return err
	}

	fmt.Println(result)
	return nil
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "sockrpc:", err)
		os.Exit(1)
	}
}
