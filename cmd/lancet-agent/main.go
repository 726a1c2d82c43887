// Command lancet-agent runs one load-generation/measurement agent process:
// worker threads driving configured targets under a pluggable transport and
// application protocol, coordinated over the TCP control protocol of
// spec.md §6. Grounded directly on the teacher's main.go bootstrap shape.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/epfl-dcsl/lancet-tool/internal/agent"
	"github.com/epfl-dcsl/lancet-tool/internal/config"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	cfg, err := config.Parse()
	rtx.Must(err, "Could not parse agent configuration")

	promSrv := prometheusx.MustStartPrometheus(cfg.PromAddr)
	defer promSrv.Shutdown(context.Background())

	a, err := agent.Bootstrap(cfg)
	rtx.Must(err, "Could not bootstrap agent")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("lancet-agent: shutting down")
		a.Stop()
	}()

	rtx.Must(a.Run(), "agent.Run exited with an error")
}
