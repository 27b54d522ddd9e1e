package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/linkdata/asyncdns"
	"github.com/linkdata/asyncdns/eventloop"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var (
	servers = flag.String("servers", "8.8.8.8,1.1.1.1", "comma-separated upstream IP literals")
	port    = flag.Int("port", 53, "upstream port")
	qtype   = flag.String("type", "A", "query type")
	timeout = flag.Duration("timeout", 2*time.Second, "per-attempt timeout")
	retries = flag.Int("retries", 3, "total send attempts")
	dnssec  = flag.Bool("dnssec", false, "set the EDNS0 DO bit")
	verbose = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()
	names := flag.Args()
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cli [flags] name...")
		flag.PrintDefaults()
		os.Exit(2)
	}
	t, ok := dns.StringToType[strings.ToUpper(*qtype)]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown query type", *qtype)
		os.Exit(2)
	}
	if err := run(names, t); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(names []string, t uint16) error {
	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	r := asyncdns.New(0)
	r.BindEventLoop(loop)
	r.SetDNSSEC(*dnssec)
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		r.SetLogger(logger)
	}
	for _, s := range strings.Split(*servers, ",") {
		if _, err = r.AddServer(strings.TrimSpace(s), *port, 0, 1); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	if err = r.Init(); err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remaining := len(names)
	for _, name := range names {
		name := name
		_, err = r.MakeRequest(func(rep *asyncdns.Reply) {
			printReply(name, rep)
			if remaining--; remaining == 0 {
				cancel()
			}
		}, *timeout, *retries, asyncdns.Question{Name: name, Type: t})
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err = loop.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func printReply(name string, rep *asyncdns.Reply) {
	fmt.Printf(";; %s: %s", name, asyncdns.RcodeToString(rep.Rcode))
	if rep.Authenticated() {
		fmt.Print(" AD")
	}
	if rep.Truncated() {
		fmt.Print(" TC")
	}
	fmt.Println()
	for _, e := range rep.Entries {
		switch e.Type {
		case dns.TypeA, dns.TypeAAAA:
			fmt.Printf("%s\t%d\t%s\t%s\n", e.Name, e.TTL, dns.TypeToString[e.Type], e.Addr)
		case dns.TypeMX:
			fmt.Printf("%s\t%d\tMX\t%d %s\n", e.Name, e.TTL, e.Prio, e.Target)
		case dns.TypeSRV:
			fmt.Printf("%s\t%d\tSRV\t%d %d %d %s\n", e.Name, e.TTL, e.Prio, e.Weight, e.Port, e.Target)
		case dns.TypeTXT:
			fmt.Printf("%s\t%d\tTXT\t%q\n", e.Name, e.TTL, strings.Join(e.Text, " "))
		case dns.TypeSOA:
			fmt.Printf("%s\t%d\tSOA\t%s %s %d\n", e.Name, e.TTL, e.MName, e.RName, e.Serial)
		default:
			fmt.Printf("%s\t%d\t%s\t%s\n", e.Name, e.TTL, dns.TypeToString[e.Type], e.Target)
		}
	}
}
