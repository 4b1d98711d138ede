package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/chprops/internal/client"
	"github.com/danmuck/chprops/internal/protocol"
	"github.com/tidwall/gjson"
)

var ErrUsage = errors.New("usage: propsctl [flags] identify | objects | get <id> <property>... | set <id> <property> <value> | watch <id> <property>...")

// Remote is the part of client.Client the commands drive.
type Remote interface {
	Identity(ctx context.Context) (client.Identity, error)
	Get(ctx context.Context, id protocol.ObjectID, property string) (any, error)
	GetInto(ctx context.Context, id protocol.ObjectID, property string, dst any) error
	Set(ctx context.Context, id protocol.ObjectID, property string, value any) error
	SubscribeSync(ctx context.Context, id protocol.ObjectID, callbacks map[string]client.UpdateFunc) error
	Unsubscribe(ctx context.Context, id protocol.ObjectID, properties ...string) error
}

var _ Remote = (*client.Client)(nil)

// runCommand executes one command against remote and writes results to out.
// watch blocks until ctx is done.
func runCommand(ctx context.Context, remote Remote, args []string, out io.Writer) error {
	if len(args) == 0 {
		return ErrUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "identify":
		id, err := remote.Identity(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "server=%s specialization=%s\n", id.Server, id.Specialization)
		return err

	case "objects":
		var ids []protocol.ObjectID
		if err := remote.GetInto(ctx, protocol.UniverseID, "objects", &ids); err != nil {
			return err
		}
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, id.String())
		}
		_, err := fmt.Fprintln(out, strings.Join(parts, " "))
		return err

	case "get":
		id, props, err := objectArgs(rest, 1)
		if err != nil {
			return err
		}
		for _, prop := range props {
			v, err := remote.Get(ctx, id, prop)
			if err != nil {
				return err
			}
			if err := printValue(out, id, prop, v); err != nil {
				return err
			}
		}
		return nil

	case "set":
		id, props, err := objectArgs(rest, 2)
		if err != nil || len(props) != 2 {
			return ErrUsage
		}
		return remote.Set(ctx, id, props[0], parseValue(props[1]))

	case "watch":
		id, props, err := objectArgs(rest, 1)
		if err != nil {
			return err
		}
		var mu sync.Mutex
		var printErr error
		cb := func(object protocol.ObjectID, property string, value any) {
			mu.Lock()
			defer mu.Unlock()
			if err := printValue(out, object, property, value); err != nil && printErr == nil {
				printErr = err
			}
		}
		callbacks := make(map[string]client.UpdateFunc, len(props))
		for _, prop := range props {
			callbacks[prop] = cb
		}
		if err := remote.SubscribeSync(ctx, id, callbacks); err != nil {
			return err
		}
		<-ctx.Done()
		unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
		defer cancel()
		_ = remote.Unsubscribe(unsubCtx, id, props...)
		mu.Lock()
		defer mu.Unlock()
		return printErr

	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func objectArgs(args []string, minProps int) (protocol.ObjectID, []string, error) {
	if len(args) < 1+minProps {
		return 0, nil, ErrUsage
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: object id %q", ErrUsage, args[0])
	}
	return protocol.ObjectID(id), args[1:], nil
}

// parseValue treats a valid JSON argument as JSON and anything else as a string.
func parseValue(arg string) any {
	if gjson.Valid(arg) {
		return json.RawMessage(arg)
	}
	return arg
}

func printValue(out io.Writer, id protocol.ObjectID, property string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d.%s = %s\n", id, property, raw)
	return err
}
