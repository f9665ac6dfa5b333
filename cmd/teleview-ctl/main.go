// teleview-ctl reads and writes the redis keys a teleview-server polls.
//
//	teleview-ctl terminate <uuid>   ask the server to end the session
//	teleview-ctl clear <uuid>       reset the termination flag
//	teleview-ctl flag <uuid>        print the termination flag
//	teleview-ctl stats <uuid>       print the stats of a finished session
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"

	"github.com/teleview/teleview-server/redis"
)

var (
	redisAddr = flag.String("redis.addr", "localhost:6379", "Address of the redis server")
	timeout   = flag.Duration("timeout", 5*time.Second, "Timeout of the redis requests")

	errUsage = errors.New("usage: teleview-ctl [flags] terminate|clear|flag|stats <uuid>")
)

// store is the part of the redis client used by the commands.
type store interface {
	SetTerminationFlag(ctx context.Context, uuid string, flag int) error
	GetTerminationFlag(ctx context.Context, uuid string) (int, error)
	GetSessionStats(ctx context.Context, uuid string) (*redis.SessionStats, error)
}

func run(ctx context.Context, s store, args []string, out io.Writer) error {
	if len(args) != 2 || args[1] == "" {
		return errUsage
	}
	uuid := args[1]
	switch args[0] {
	case "terminate":
		return s.SetTerminationFlag(ctx, uuid, 1)
	case "clear":
		return s.SetTerminationFlag(ctx, uuid, 0)
	case "flag":
		f, err := s.GetTerminationFlag(ctx, uuid)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, f)
		return err
	case "stats":
		stats, err := s.GetSessionStats(ctx, uuid)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	return errUsage
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	client := redis.NewClient(*redisAddr)
	defer warnonerror.Close(client, "Could not close redis client")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, flag.Args(), os.Stdout); err != nil {
		log.WithError(err).Error("teleview-ctl failed")
		cancel()
		os.Exit(1)
	}
}
