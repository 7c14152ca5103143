// Command actorcored runs a standalone actor-runtime server over an
// in-memory KV backend: the gateway (§6.1/§6.2) mounted in front of a
// hibernation controller (§4.8), with one demo "counter" actor definition
// registered so the binary is runnable end-to-end out of the box (S1).
//
// Grounded on the teacher's cmd/demo/main.go (a minimal runnable wiring of
// its own runtime, registered against one stub agent) generalized from "one
// in-memory agent runtime" to "one HTTP+WebSocket actor gateway."
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rivetkit/actorcore/actor"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/gateway"
	"github.com/rivetkit/actorcore/hibernate"
	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/telemetry"
)

type counterState struct {
	Count int `json:"count"`
}

func counterHooks() actor.Hooks {
	return actor.Hooks{
		CreateState: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(counterState{})
		},
		Actions: map[string]actor.ActionFunc{
			"increment": func(ac *actor.ActionContext, args json.RawMessage) (json.RawMessage, error) {
				var delta struct {
					Amount int `json:"amount"`
				}
				if len(args) > 0 {
					if err := json.Unmarshal(args, &delta); err != nil {
						return nil, err
					}
				}
				if delta.Amount == 0 {
					delta.Amount = 1
				}

				var next counterState
				if err := ac.MutateState(func(current json.RawMessage) (json.RawMessage, error) {
					var s counterState
					if len(current) > 0 {
						if err := json.Unmarshal(current, &s); err != nil {
							return nil, err
						}
					}
					s.Count += delta.Amount
					next = s
					return json.Marshal(s)
				}); err != nil {
					return nil, err
				}

				out, err := json.Marshal(next.Count)
				if err != nil {
					return nil, err
				}
				if err := ac.Broadcast("changed", out); err != nil {
					return nil, err
				}
				return out, nil
			},
			"get": func(ac *actor.ActionContext, _ json.RawMessage) (json.RawMessage, error) {
				raw, err := ac.State()
				if err != nil {
					return nil, err
				}
				var s counterState
				if len(raw) > 0 {
					if err := json.Unmarshal(raw, &s); err != nil {
						return nil, err
					}
				}
				return json.Marshal(s.Count)
			},
		},
	}
}

func main() {
	cfg := config.FromEnv(config.Default())
	logger, _, _ := telemetry.Noop()

	// A shared, unnamespaced backing store: the loader below wraps it in a
	// kv.Namespaced view per actor id (actor.New then carves its state and
	// workflow sub-namespaces inside that view), so every actor id's keys
	// are isolated even though they share one Memory driver here (§4.2).
	backing := kv.NewMemory()

	load := func(ctx context.Context, id string) (*actor.Instance, error) {
		driver := kv.Namespaced(backing, "actor/"+id)
		inst := actor.New(id, cfg, driver, nil, counterHooks(), logger)
		if err := inst.Start(ctx, nil); err != nil {
			return nil, err
		}
		return inst, nil
	}

	ctrl := hibernate.New(cfg, load, logger)
	router := gateway.New(ctrl, cfg, logger)

	srv := &http.Server{
		Addr:         addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sweeps idle actors per §4.8's HibernationIdle policy; a production
	// deployment would drive this off the same clock the alarm scheduler
	// uses rather than a fixed ticker, but a ticker is enough for a
	// standalone binary with no external scheduler.
	go func() {
		ticker := time.NewTicker(cfg.WorkerPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ctrl.Sweep(ctx)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("actorcored: shutdown error: %v", err)
		}
	}()

	log.Printf("actorcored: listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("actorcored: %v", err)
	}
}

func addr() string {
	if v := os.Getenv("ACTORCORED_ADDR"); v != "" {
		return v
	}
	return ":8787"
}
