package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joshp123/ducohome/internal/core"
	"github.com/joshp123/ducohome/plugins/ducobox"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func ducoboxCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) == 0 {
		ducoboxUsage()
		os.Exit(2)
	}

	call := func(method string, req any) map[string]any {
		resp, err := core.Invoke[structpb.Struct](ctx, conn, ducobox.ServiceName, method, req)
		if err != nil {
			fatal("ducobox "+args[0], err)
		}
		return resp.AsMap()
	}

	switch args[0] {
	case "devices":
		resp := call("ListDevices", &emptypb.Empty{})
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"NAME", "SERIAL", "HOST", "PHASE", "AVAILABLE", "ERROR"}}
		for _, d := range listOf(resp, "devices") {
			errText := ""
			if d["error"] != nil {
				errText = str(d["error"])
			}
			serial := ""
			if d["serial"] != nil {
				serial = str(d["serial"])
			}
			rows = append(rows, []string{str(d["name"]), serial, str(d["host"]), str(d["phase"]), str(d["available"]), errText})
		}
		out.table(rows)
	case "state":
		printState(out, call("GetState", wrapperspb.String(optionalArg(args, 1))))
	case "set":
		device, state := "", ""
		switch len(args) {
		case 2:
			state = args[1]
		case 3:
			device, state = args[1], args[2]
		default:
			ducoboxUsage()
			os.Exit(2)
		}
		req, err := structpb.NewStruct(map[string]any{"device": device, "state": state})
		if err != nil {
			fatal("ducobox set", err)
		}
		printState(out, call("SetVentilationState", req))
	case "refresh":
		printState(out, call("Refresh", wrapperspb.String(optionalArg(args, 1))))
	case "reload":
		if _, err := core.Invoke[emptypb.Empty](ctx, conn, ducobox.ServiceName, "Reload", &emptypb.Empty{}); err != nil {
			fatal("ducobox reload", err)
		}
		fmt.Println("reloaded")
	default:
		ducoboxUsage()
		os.Exit(2)
	}
}

func printState(out outputMode, resp map[string]any) {
	if out.json {
		out.printJSON(resp)
		return
	}
	rows := [][]string{{"KEY", "VALUE"}}
	rows = append(rows, []string{"device", str(resp["name"])})
	rows = append(rows, []string{"available", str(resp["available"])})
	if resp["last_success"] != nil {
		rows = append(rows, []string{"last_success", str(resp["last_success"])})
	}
	if resp["error"] != nil {
		rows = append(rows, []string{"error", str(resp["error"])})
	}
	state, _ := resp["state"].(map[string]any)
	for _, desc := range ducobox.Sensors {
		value := ducobox.Unknown
		if state != nil && state[desc.Key] != nil {
			value = str(state[desc.Key])
		}
		if desc.Unit != "" && value != ducobox.Unknown {
			value += " " + desc.Unit
		}
		rows = append(rows, []string{desc.Key, value})
	}
	out.table(rows)
}

func probeCmd(ctx context.Context, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) != 1 {
		fatal("probe", fmt.Errorf("usage: probe <host>"))
	}
	result, err := ducobox.Probe(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe %s: %s: %v\n", args[0], ducobox.ProbeErrorCode(err), err)
		os.Exit(1)
	}
	if out.json {
		out.printJSON(map[string]any{
			"title":       result.Title,
			"unique_id":   result.UniqueID,
			"api_version": result.Info.APIVersion,
			"mac":         result.Info.MACAddress,
		})
		return
	}
	rows := [][]string{
		{"title", result.Title},
		{"unique_id", result.UniqueID},
		{"api_version", result.Info.APIVersion},
	}
	if result.Info.MACAddress != "" {
		rows = append(rows, []string{"mac", result.Info.MACAddress})
	}
	out.table(rows)
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func ducoboxUsage() {
	fmt.Println("ducohome-cli ducobox <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  devices")
	fmt.Println("  state [device]")
	fmt.Println("  set [device] <state>")
	fmt.Println("  refresh [device]")
	fmt.Println("  reload")
}
