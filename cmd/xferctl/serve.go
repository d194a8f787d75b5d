package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/xfer/config"
	"github.com/opd-ai/xfer/handler"
	"github.com/opd-ai/xfer/transfer"
	"github.com/opd-ai/xfer/transport"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var resources []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve files to transfer clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			for _, spec := range resources {
				r, err := parseResource(spec)
				if err != nil {
					return err
				}
				cfg.Resources = append(cfg.Resources, r)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringArrayVarP(&resources, "resource", "r", nil, "serve a file as id=path[:read|write|readwrite]")
	return cmd
}

// parseResource parses a --resource flag value.
func parseResource(spec string) (config.Resource, error) {
	idStr, rest, ok := strings.Cut(spec, "=")
	if !ok || rest == "" {
		return config.Resource{}, fmt.Errorf("resource %q: want id=path[:mode]", spec)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 32)
	if err != nil {
		return config.Resource{}, fmt.Errorf("resource %q: %w", spec, err)
	}

	path, modeStr := rest, ""
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		if _, perr := handler.ParseMode(rest[i+1:]); perr == nil {
			path, modeStr = rest[:i], rest[i+1:]
		}
	}
	mode, err := handler.ParseMode(modeStr)
	if err != nil {
		return config.Resource{}, fmt.Errorf("resource %q: %w", spec, err)
	}
	return config.Resource{ID: uint32(id), Path: path, Mode: mode}, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	opts, err := cfg.ThreadOptions()
	if err != nil {
		return err
	}
	thread, err := transfer.NewThread(opts)
	if err != nil {
		return err
	}

	udp, err := transport.NewUDPTransport(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	defer udp.Close()

	service := transfer.NewService(thread, udp)
	handlers, err := cfg.Handlers()
	if err != nil {
		return err
	}
	for _, h := range handlers {
		if err := service.RegisterHandler(h); err != nil {
			return fmt.Errorf("register resource %d: %w", h.ID(), err)
		}
		logrus.WithFields(logrus.Fields{
			"function":    "serve",
			"resource_id": h.ID(),
			"path":        h.Path(),
			"mode":        h.Mode().String(),
		}).Info("Serving resource")
	}

	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"addr":     udp.LocalAddr().String(),
	}).Info("Transfer server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return thread.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return udp.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logrus.WithField("function", "serve").Info("Transfer server stopped")
	return nil
}
