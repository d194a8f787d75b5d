package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/xfer/config"
	"github.com/opd-ai/xfer/handler"
	"github.com/opd-ai/xfer/transfer"
	"github.com/opd-ai/xfer/transport"
)

type clientFlags struct {
	quiet bool
}

func newReadCmd(root *rootOptions) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "read <resource-id> <file>",
		Short: "Read a remote resource into a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseResourceID(args[0])
			if err != nil {
				return err
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *transfer.Client) error {
				return readResource(ctx, c, id, args[1], flags)
			})
		},
	}
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func newWriteCmd(root *rootOptions) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "write <resource-id> <file>",
		Short: "Write a local file to a remote resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseResourceID(args[0])
			if err != nil {
				return err
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *transfer.Client) error {
				return writeResource(ctx, c, id, args[1], flags)
			})
		},
	}
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func parseResourceID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("resource id %q: %w", s, err)
	}
	return uint32(id), nil
}

// withClient runs fn with a client bound to cfg.Server while a transfer
// thread runs in the background.
func withClient(ctx context.Context, cfg config.Config, fn func(context.Context, *transfer.Client) error) error {
	opts, err := cfg.ThreadOptions()
	if err != nil {
		return err
	}
	thread, err := transfer.NewThread(opts)
	if err != nil {
		return err
	}

	server, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cfg.Server, err)
	}

	// Clients bind an ephemeral port unless --listen was given explicitly.
	listen := ":0"
	if cfg.Listen != config.Default().Listen {
		listen = cfg.Listen
	}
	udp, err := transport.NewUDPTransport(listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	defer udp.Close()

	client, err := transfer.NewClient(thread, udp, server)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return thread.Run(gctx)
	})

	err = fn(ctx, client)
	cancel()
	_ = g.Wait()
	return err
}

func readResource(ctx context.Context, c *transfer.Client, id uint32, path string, flags clientFlags) error {
	safePath, err := handler.ValidatePath(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(safePath), "."+filepath.Base(safePath)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher, _ := blake2b.New256(nil)
	bar := newProgress(-1, fmt.Sprintf("reading %d", id), flags.quiet)
	sink := io.MultiWriter(tmp, hasher, bar)

	if err := c.ReadSync(ctx, id, sink); err != nil {
		return fmt.Errorf("read resource %d: %w", id, err)
	}
	_ = bar.Finish()

	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), safePath); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "readResource",
		"resource_id": id,
		"path":        safePath,
	}).Info("Read complete")
	fmt.Printf("%s  %s\n", hex.EncodeToString(hasher.Sum(nil)), safePath)
	return nil
}

func writeResource(ctx context.Context, c *transfer.Client, id uint32, path string, flags clientFlags) error {
	safePath, err := handler.ValidatePath(path)
	if err != nil {
		return err
	}
	f, err := os.Open(safePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hasher, _ := blake2b.New256(nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	bar := newProgress(info.Size(), fmt.Sprintf("writing %d", id), flags.quiet)
	if err := c.WriteSync(ctx, id, &progressReader{f: f, size: info.Size(), bar: bar}); err != nil {
		return fmt.Errorf("write resource %d: %w", id, err)
	}
	_ = bar.Finish()

	logrus.WithFields(logrus.Fields{
		"function":    "writeResource",
		"resource_id": id,
		"path":        safePath,
		"bytes":       info.Size(),
	}).Info("Write complete")
	fmt.Printf("%s  %s\n", hex.EncodeToString(hasher.Sum(nil)), safePath)
	return nil
}
