package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carebell"
	"carebell/pkg/dispatch"
	"carebell/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.NewConsole("info").With(logx.String("comp", "reminder"))
	triggers := dispatch.NewLocalScheduler(func(t dispatch.Trigger) {
		log.Info("reminder fired",
			logx.String("event", t.EventID),
			logx.String("title", t.Title),
			logx.String("body", t.Body),
			logx.String("channel", t.Profile.Channel),
		)
	})

	eng, err := carebell.New(carebell.Options{
		ConfigPath: cfgPath,
		Triggers:   triggers,
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := eng.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// Mirror engine signals to the console so operators can follow along.
	sub, unsub := eng.Bus().Subscribe(16)
	defer unsub()
	go func() {
		for e := range sub {
			log.Debug("bus signal", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}()

	if _, ok := os.LookupEnv("CAREBELL_ICS_ON_EXIT"); ok {
		defer dumpFeed(eng)
	}

	<-ctx.Done()
	_ = eng.Stop(context.Background())
}

func dumpFeed(eng *carebell.Engine) {
	now := time.Now()
	feed, err := eng.ExportICS(context.Background(), "", now.AddDate(0, 0, -7), now.AddDate(0, 0, 7))
	if err != nil {
		fmt.Fprintln(os.Stderr, "ics export:", err)
		return
	}
	fmt.Println(feed)
}
