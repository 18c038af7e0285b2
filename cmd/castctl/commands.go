package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/danmuck/castline/internal/register"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	envSocket  = "CASTLINE_SOCKET"
	envFD      = "CASTLINE_FD"
	envChannel = "CASTLINE_CHANNEL"
)

type options struct {
	socket   string
	root     string
	name     string
	spawn    []string
	timeout  time.Duration
	attempts int
}

// outcomeError carries a non-Registered outcome out of a command.
type outcomeError struct {
	outcome register.Outcome
}

func (e *outcomeError) Error() string {
	return fmt.Sprintf("%s: %v", e.outcome.Status(), e.outcome.Err())
}

func (e *outcomeError) Unwrap() error {
	return e.outcome.Err()
}

func defaultSocket() string {
	if v := strings.TrimSpace(os.Getenv(envSocket)); v != "" {
		return v
	}
	return register.DefaultSocketPath
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "castctl",
		Short:         "Register with castd and use the returned broadcast channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.socket, "socket", "s", defaultSocket(), "broadcast server socket (env "+envSocket+")")
	flags.StringVarP(&opts.root, "root", "r", "", "root descriptor as comma separated uint32 values")
	flags.StringVar(&opts.name, "name", "castctl", "client name sent with the request")
	flags.StringSliceVar(&opts.spawn, "spawn", nil, "server command to start when nothing answers on the socket")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "registration timeout")
	flags.IntVar(&opts.attempts, "attempts", 1, "registration attempts; only writer setup errors are retried")

	cmd.AddCommand(newRegisterCmd(opts), newEmitCmd(opts), newExecCmd(opts))
	return cmd
}

// register runs one (possibly retried) registration. The returned channel is
// owned by the caller.
func (o *options) register(ctx context.Context) (*register.Channel, register.Outcome, error) {
	r, err := root.Parse(o.root)
	if err != nil {
		return nil, register.Outcome{}, err
	}
	client := register.NewClient(register.ClientConfig{
		SocketPath: o.socket,
		ClientName: o.name,
		Spawn:      o.spawn,
	})
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	out := register.RegisterWithBackoff(ctx, client, r, o.attempts)
	log.Debug().
		Str("socket", o.socket).
		Str("root", r.String()).
		Str("status", out.Status().String()).
		Uint32("code", out.Code()).
		Msg("castctl.register outcome")
	ch, ok := out.Channel()
	if !ok {
		return nil, out, &outcomeError{outcome: out}
	}
	return ch, out, nil
}

func newRegisterCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register once, print the outcome and release the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, out, err := opts.register(cmd.Context())
			var outErr *outcomeError
			if err != nil && !errors.As(err, &outErr) {
				return err
			}
			resp := out.Response()
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s code=%d fd=%d", resp.Status, out.Code(), resp.FD)
			if ch != nil {
				fmt.Fprintf(cmd.OutOrStdout(), " writer_id=%s channel=%s", ch.WriterID(), ch.ChannelKey())
			}
			if msg := out.Message(); msg != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " message=%q", msg)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return ch.Close()
		},
	}
}

func newEmitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "emit [record...]",
		Short: "Register and write records (arguments, or stdin lines when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, _, err := opts.register(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()

			w := bufio.NewWriter(ch)
			count := 0
			emit := func(rec string) error {
				rec = strings.TrimRight(rec, "\r\n")
				if rec == "" {
					return nil
				}
				count++
				_, err := w.WriteString(rec + "\n")
				return err
			}
			if len(args) > 0 {
				for _, rec := range args {
					if err := emit(rec); err != nil {
						return err
					}
				}
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					if err := emit(sc.Text()); err != nil {
						return err
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			log.Debug().Int("records", count).Str("channel", ch.ChannelKey()).Msg("castctl.emit done")
			return nil
		},
	}
}

func newExecCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Register and run command with the channel as fd 3 (" + envFD + "=3)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, _, err := opts.register(cmd.Context())
			if err != nil {
				return err
			}
			child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			// ExtraFiles[0] becomes fd 3 in the child.
			child.ExtraFiles = []*os.File{ch.File()}
			child.Env = append(os.Environ(),
				envFD+"="+strconv.Itoa(3),
				envChannel+"="+ch.ChannelKey(),
			)
			startErr := child.Start()
			if err := ch.Close(); err != nil && startErr == nil {
				log.Warn().Err(err).Msg("castctl.exec close parent channel copy")
			}
			if startErr != nil {
				return startErr
			}
			return child.Wait()
		},
	}
}
