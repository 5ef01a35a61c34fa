package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/astromechza/listsync/pkg/app"
	"github.com/astromechza/listsync/pkg/config"
	"github.com/astromechza/listsync/pkg/gateway"
	"github.com/astromechza/listsync/pkg/view"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: client [flags] watch|ls|add|edit ID|delete ID")
		fs.PrintDefaults()
	}
	titleVar := fs.String("title", "", "title of the list to add or edit")
	descriptionVar := fs.String("description", "", "description of the list to add or edit")
	cfg, err := config.ParseClient(fs, os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.Logger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("expected a command")
	}
	baseUrl, err := url.Parse(cfg.Server)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	remote := gateway.NewRemote(baseUrl, cfg.Token, logger)
	remote.InitialBackoff = cfg.InitialBackoff
	remote.MaxBackoff = cfg.MaxBackoff

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-exit
		slog.Info("Signal caught", "sig", sig)
		cancel()
	}()

	session, err := app.Open(ctx, remote, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	c := &client{session: session, timeout: cfg.Timeout}
	switch command, args := fs.Arg(0), fs.Args()[1:]; command {
	case "watch":
		return c.watch(ctx)
	case "ls":
		printLists(session.State())
		return nil
	case "add":
		return c.add(ctx, *titleVar, *descriptionVar)
	case "edit":
		if len(args) != 1 {
			return fmt.Errorf("edit expects exactly one list id")
		}
		var title, description *string
		if fs.Changed("title") {
			title = titleVar
		}
		if fs.Changed("description") {
			description = descriptionVar
		}
		return c.edit(ctx, args[0], title, description)
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete expects exactly one list id")
		}
		return c.delete(ctx, args[0])
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

type client struct {
	session *app.Session
	timeout time.Duration
}

func (c *client) watch(ctx context.Context) error {
	watch := c.session.Watch()
	printLists(c.session.State())
	for {
		select {
		case state, ok := <-watch:
			if !ok {
				return nil
			}
			printLists(state)
		case err := <-c.session.Errors():
			slog.Error("background call failed", "err", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *client) add(ctx context.Context, title, description string) error {
	for _, action := range []view.Action{
		view.OpenModal{},
		view.TitleChanged{Value: title},
		view.DescriptionChanged{Value: description},
	} {
		if err := c.session.Dispatch(ctx, action); err != nil {
			return err
		}
	}
	saved, err := c.session.Save(ctx)
	if err != nil {
		return err
	}
	if err := c.await(ctx, func(s view.State) bool { _, ok := s.Find(saved.ID); return ok }); err != nil {
		return err
	}
	fmt.Println(saved.ID)
	return nil
}

func (c *client) edit(ctx context.Context, id string, title, description *string) error {
	item, ok := c.session.State().Find(id)
	if !ok {
		return fmt.Errorf("no list with id %s", id)
	}
	actions := []view.Action{view.EditRequested{Props: view.RowProps{ListItem: item}}}
	if title != nil {
		actions = append(actions, view.TitleChanged{Value: *title})
	}
	if description != nil {
		actions = append(actions, view.DescriptionChanged{Value: *description})
	}
	for _, action := range actions {
		if err := c.session.Dispatch(ctx, action); err != nil {
			return err
		}
	}
	saved, err := c.session.Save(ctx)
	if err != nil {
		return err
	}
	return c.await(ctx, func(s view.State) bool {
		current, ok := s.Find(saved.ID)
		return ok && current.Title == saved.Title && current.Description == saved.Description
	})
}

func (c *client) delete(ctx context.Context, id string) error {
	if _, ok := c.session.State().Find(id); !ok {
		return fmt.Errorf("no list with id %s", id)
	}
	if err := c.session.Dispatch(ctx, view.DeleteRequested{ID: id}); err != nil {
		return err
	}
	return c.await(ctx, func(s view.State) bool { _, ok := s.Find(id); return !ok })
}

// await blocks until the subscription delivers a state matching the predicate.
func (c *client) await(ctx context.Context, predicate func(view.State) bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	watch := c.session.Watch()
	if predicate(c.session.State()) {
		return nil
	}
	for {
		select {
		case state, ok := <-watch:
			if !ok {
				return fmt.Errorf("session closed before the change was confirmed")
			}
			if predicate(state) {
				return nil
			}
		case err := <-c.session.Errors():
			return err
		case <-ctx.Done():
			return fmt.Errorf("change was not confirmed: %w", ctx.Err())
		}
	}
}

func printLists(state view.State) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tDESCRIPTION")
	for _, item := range state.Items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", item.ID, item.Title, strings.ReplaceAll(item.Description, "\n", " "))
	}
	_ = w.Flush()
}
