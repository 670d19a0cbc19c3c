package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/i5heu/gnode"
	"github.com/i5heu/gnode/pkg/arrays"
	"github.com/i5heu/gnode/pkg/cache"
	"github.com/i5heu/gnode/pkg/logging"
	"github.com/i5heu/gnode/pkg/model"
	"github.com/i5heu/gnode/pkg/remote"
)

func usage() {
	fmt.Println("Usage: gnode [-config file] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  get [-cached] <location>")
	fmt.Println("  select [-max n] [-offset n] <kind> [field__lookup=value ...]")
	fmt.Println("  pull <location>")
	fmt.Println("  push-file <file>")
	fmt.Println("  acl [-level 1|2|3] [-share user=level] [-cascade] [-notify] <location>")
	fmt.Println("  cache-clear")
}

func main() {
	configPath := flag.String("config", "", "config file (default: user config dir)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := gnode.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "cache-clear" {
		if err := clearCache(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Cache cleared.")
		return
	}

	s, err := gnode.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session: %v\n", err)
		os.Exit(1)
	}
	err = run(ctx, s, cmd, args)
	if cerr := s.Close(ctx); cerr != nil {
		fmt.Fprintf(os.Stderr, "Error closing session: %v\n", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, s *gnode.Session, cmd string, args []string) error {
	switch cmd {
	case "get":
		fs := flag.NewFlagSet("get", flag.ExitOnError)
		cached := fs.Bool("cached", false, "do not revalidate a cached copy")
		fs.Parse(args)
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: gnode get [-cached] <location>")
		}
		e, err := s.Store().Get(ctx, fs.Arg(0), !*cached, false)
		if err != nil {
			return err
		}
		return printJSON(e.ToMap(s.Config().Location))

	case "select":
		fs := flag.NewFlagSet("select", flag.ExitOnError)
		limit := fs.Int("max", 0, "maximum number of results")
		offset := fs.Int("offset", 0, "results to skip")
		fs.Parse(args)
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: gnode select [-max n] [-offset n] <kind> [field__lookup=value ...]")
		}
		kind := model.Kind(fs.Arg(0))
		if !kind.Valid() {
			return fmt.Errorf("unknown kind %q", kind)
		}
		q := remote.Query{Filters: remote.Filters{}, MaxResults: *limit, Offset: *offset}
		for _, kv := range fs.Args()[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("filter %q is not field=value", kv)
			}
			q.Filters[k] = v
		}
		ents, err := s.Store().Select(ctx, kind, q)
		if err != nil {
			return err
		}
		for _, e := range ents {
			fmt.Printf("%s\t%s\n", e.Location(), e.String("name"))
		}
		return nil

	case "pull":
		if len(args) < 1 {
			return fmt.Errorf("usage: gnode pull <location>")
		}
		if _, err := s.Get(ctx, args[0], gnode.GetOptions{Recursive: true}); err != nil {
			return err
		}
		fmt.Printf("Pulled %s into %s\n", model.CanonicalLocation(args[0]), s.Config().CacheDir)
		return nil

	case "push-file":
		if len(args) < 1 {
			return fmt.Errorf("usage: gnode push-file <file>")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		loc, err := s.UploadFile(ctx, filepath.Base(args[0]), data)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s as %s\n", args[0], loc)
		return nil

	case "acl":
		return acl(ctx, s, args)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type shares map[string]int

func (s shares) String() string { return fmt.Sprint(map[string]int(s)) }

func (s shares) Set(v string) error {
	user, level, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("%q is not user=level", v)
	}
	n, err := strconv.Atoi(level)
	if err != nil {
		return err
	}
	s[user] = n
	return nil
}

func acl(ctx context.Context, s *gnode.Session, args []string) error {
	fs := flag.NewFlagSet("acl", flag.ExitOnError)
	level := fs.Int("level", 0, "safety level: 1 public, 2 friendly, 3 private")
	shared := shares{}
	fs.Var(shared, "share", "share with user=level, repeatable")
	cascade := fs.Bool("cascade", false, "apply to the whole subtree")
	notify := fs.Bool("notify", false, "notify users added")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: gnode acl [-level n] [-share user=level] <location>")
	}
	loc := fs.Arg(0)

	var (
		a   *remote.ACL
		err error
	)
	if *level == 0 && len(shared) == 0 {
		a, err = s.Permissions(ctx, loc)
	} else {
		var cur *remote.ACL
		if cur, err = s.Permissions(ctx, loc); err != nil {
			return err
		}
		next := remote.ACL{SafetyLevel: cur.SafetyLevel, SharedWith: cur.SharedWith}
		if *level != 0 {
			next.SafetyLevel = *level
		}
		if len(shared) > 0 {
			next.SharedWith = shared
		}
		a, err = s.SetPermissions(ctx, loc, next, *cascade, *notify)
	}
	if err != nil {
		return err
	}
	return printJSON(a)
}

// clearCache works without a session so it also helps when the service is
// unreachable.
func clearCache(cfg gnode.Config) error {
	c, err := cache.Open(cache.Config{Dir: cfg.CacheDir, MinimumFreeMB: cfg.MinFreeMB, Logger: logging.Logger})
	if err != nil {
		return err
	}
	defer c.Close()
	a, err := arrays.NewStore(arrays.Config{Dir: filepath.Join(cfg.CacheDir, "arrays"), Index: c.Index(), Logger: logging.Logger})
	if err != nil {
		return err
	}
	if err := c.Clear(); err != nil {
		return err
	}
	return a.Forget()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
