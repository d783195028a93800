package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joshp123/ducohome/internal/config"
	"github.com/joshp123/ducohome/internal/core"
)

func main() {
	flags := flag.NewFlagSet("ducohome-cli", flag.ExitOnError)
	flags.Usage = usage
	addrFlag := flags.String("addr", "", "daemon gRPC address")
	jsonOutput := flags.Bool("json", false, "print raw JSON")
	timeout := flags.Duration("timeout", 15*time.Second, "overall command timeout")
	_ = flags.Parse(os.Args[1:])
	args := flags.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if args[0] == "probe" {
		probeCmd(ctx, args[1:], *jsonOutput)
		return
	}

	addr := *addrFlag
	if addr == "" {
		addr = resolveAddr()
	}
	conn, err := grpcurl.BlockingDial(ctx, "tcp", addr, insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch args[0] {
	case "plugins":
		pluginsCmd(ctx, conn, args[1:], *jsonOutput)
	case "services":
		servicesCmd(ctx, conn)
	case "ducobox":
		ducoboxCmd(ctx, conn, args[1:], *jsonOutput)
	default:
		usage()
		os.Exit(2)
	}
}

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		resp, err := core.Invoke[structpb.Struct](ctx, conn, core.RegistryServiceName, "ListPlugins", &emptypb.Empty{})
		if err != nil {
			fatal("list plugins", err)
		}
		if out.json {
			out.printJSON(resp.AsMap())
			return
		}
		rows := [][]string{{"ID", "NAME", "VERSION", "STATUS"}}
		for _, item := range listOf(resp.AsMap(), "plugins") {
			rows = append(rows, []string{str(item["plugin_id"]), str(item["display_name"]), str(item["version"]), str(item["status"])})
		}
		out.table(rows)
	case "describe":
		if len(args) < 2 {
			fatal("describe", fmt.Errorf("missing plugin id"))
		}
		resp, err := core.Invoke[structpb.Struct](ctx, conn, core.RegistryServiceName, "DescribePlugin", wrapperspb.String(args[1]))
		if err != nil {
			fatal("describe plugin", err)
		}
		plugin := resp.AsMap()
		if out.json {
			out.printJSON(plugin)
			return
		}
		fmt.Printf("id: %s\n", str(plugin["plugin_id"]))
		fmt.Printf("name: %s\n", str(plugin["display_name"]))
		fmt.Printf("version: %s\n", str(plugin["version"]))
		fmt.Printf("status: %s\n", str(plugin["status"]))
		if msg := str(plugin["health_message"]); msg != "" {
			fmt.Printf("health: %s\n", msg)
		}
		fmt.Println("services:")
		for _, svc := range anyList(plugin["services"]) {
			fmt.Printf("  - %s\n", str(svc))
		}
		fmt.Println("dashboards:")
		for _, dash := range listOf(plugin, "dashboards") {
			fmt.Printf("  - %s (%s)\n", str(dash["name"]), str(dash["path"]))
		}
		fmt.Println("agents_md:")
		fmt.Println(str(plugin["agents_md"]))
	default:
		usage()
		os.Exit(2)
	}
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	client := grpcreflect.NewClientAuto(ctx, conn)
	defer client.Reset()
	services, err := grpcurl.ListServices(grpcurl.DescriptorSourceFromServer(ctx, client))
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func resolveAddr() string {
	if value := os.Getenv("DUCOHOME_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "localhost:9000"
}

func configSearchPaths() []string {
	paths := []string{config.DefaultPath}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "ducohome", "config.json"))
	}
	return paths
}

func addrFromConfig(path string) string {
	cfg, err := config.Load(path)
	if err != nil || cfg == nil || cfg.Core == nil {
		return ""
	}
	return cfg.Core.GRPCAddr
}

func usage() {
	fmt.Println("ducohome-cli [-addr host:port] [-json] <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  plugins list")
	fmt.Println("  plugins describe <plugin_id>")
	fmt.Println("  services")
	fmt.Println("  ducobox devices")
	fmt.Println("  ducobox state [device]")
	fmt.Println("  ducobox set [device] <state>")
	fmt.Println("  ducobox refresh [device]")
	fmt.Println("  ducobox reload")
	fmt.Println("  probe <host>")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
