// Command biblesyncd is a terminal demo of the BibleSync engine, printing
// every host callback event the way the teacher's cmd/monitor prints
// ENTER/EXIT/SHOUT (node.go's Event stream), generalized to BibleSync's
// N/A/S/D/C/M/E command codes.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/biblesync/biblesync"
)

func main() {
	app := &cli.App{
		Name:  "biblesyncd",
		Usage: "run a BibleSync engine and print events received on the LAN",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Value: "audience", Usage: "disabled, personal, speaker, or audience"},
			&cli.StringFlag{Name: "passphrase", Value: biblesync.DefaultPassphrase},
			&cli.IntFlag{Name: "port", Value: biblesync.DefaultPort},
			&cli.StringFlag{Name: "name", Value: "BibleSync CLI"},
			&cli.StringFlag{Name: "user", Value: "cli-user"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("biblesyncd exited")
	}
}

func parseMode(name string) (biblesync.Mode, error) {
	switch name {
	case "disabled":
		return biblesync.ModeDisabled, nil
	case "personal":
		return biblesync.ModePersonal, nil
	case "speaker":
		return biblesync.ModeSpeaker, nil
	case "audience":
		return biblesync.ModeAudience, nil
	default:
		return biblesync.ModeDisabled, fmt.Errorf("unknown mode %q", name)
	}
}

func run(c *cli.Context) error {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return err
	}

	engine := biblesync.New(
		biblesync.WithPort(c.Int("port")),
		biblesync.WithAppInfo(c.String("name"), "1.0", "linux", "cli", c.String("user")),
	)

	callback := func(ev biblesync.Event) {
		fmt.Printf("[%c] uuid=%s bible=%q ref=%q alt=%q group=%q domain=%q info=%q\n",
			ev.Command, ev.UUID, ev.Bible, ev.Ref, ev.Alt, ev.Group, ev.Domain, ev.Info)
	}

	if err := engine.SetMode(mode, callback, c.String("passphrase")); err != nil {
		return err
	}
	fmt.Printf("biblesyncd: uuid=%s mode=%s\n", engine.UUID(), mode)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if engine.ReceivePoll() == biblesync.PollStop {
			return nil
		}
	}
	return nil
}
