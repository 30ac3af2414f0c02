package poller

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"windlass.sh/core/log"
	"windlass.sh/core/poller/journal"
)

func TailCommand() *cli.Command {
	return &cli.Command{
		Name:   "tail",
		Usage:  "follow a running poller's event stream",
		Action: Tail,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "addr",
				Usage:    "status server address (host:port)",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "cursor",
				Usage: "replay events after this id first",
			},
		},
	}
}

// Tail dials the status server's event stream and prints events as
// they land, reconnecting with backoff and resuming past the last id
// it saw.
func Tail(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	endpoint := url.URL{
		Scheme: "ws",
		Host:   cmd.String("addr"),
		Path:   "/events",
	}
	cursor := int64(cmd.Int("cursor"))

	retryOpts := []retry.Option{
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
	}

	return retry.Do(func() error {
		err := tailStream(ctx, endpoint, &cursor)
		if err != nil {
			l.Warn("stream interrupted, reconnecting", "error", err)
		}
		return err
	}, retryOpts...)
}

func tailStream(ctx context.Context, endpoint url.URL, cursor *int64) error {
	if *cursor > 0 {
		q := endpoint.Query()
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
		endpoint.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock the read loop when the context ends
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev journal.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		*cursor = ev.ID
		printEvent(ev)
	}
}

func printEvent(ev journal.Event) {
	fmt.Printf("%s\t%s\t%s\n",
		time.Unix(0, ev.Created).UTC().Format(time.RFC3339),
		ev.Kind,
		ev.Payload,
	)
}
