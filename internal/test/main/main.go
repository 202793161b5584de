package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/allen1211/baskets/internal/test"
	"github.com/allen1211/baskets/pkg/client/etc"
	"github.com/allen1211/baskets/pkg/common"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		fmt.Printf("%s [perf/...]\n", args[0])
		os.Exit(1)
	}
	program := args[1]
	if program == "perf" {
		runPerformanceTest(args[2:])
	} else {
		fmt.Printf("%s [perf/...]\n", args[0])
		os.Exit(1)
	}
}

func runPerformanceTest(args []string) {
	var total, length, threads int
	var first uint64
	var gatewayStr, multicast, confPath, testFunc string
	flagSet := flag.NewFlagSet("perf", flag.ExitOnError)
	flagSet.StringVar(&confPath, "c", "", "client config file")
	flagSet.StringVar(&gatewayStr, "gateways", "", "gateway addresses")
	flagSet.StringVar(&multicast, "multicast", "", "gateway multicast group")
	flagSet.IntVar(&total, "total", -1, "number of baskets")
	flagSet.IntVar(&length, "length", 4096, "basket content length in bytes")
	flagSet.IntVar(&threads, "thread", 1, "number of test threads")
	flagSet.Uint64Var(&first, "first", 1, "content id of the first basket")
	flagSet.StringVar(&testFunc, "test", "", "read_only/write_only/read_write")
	_ = flagSet.Parse(args)

	var conf etc.ClientConf
	if confPath != "" {
		conf = etc.ParseClientConf(confPath)
	} else {
		conf = etc.MakeDefaultConfig()
		if gatewayStr != "" {
			conf.Gateways = strings.Split(gatewayStr, ",")
		}
		conf.Multicast = multicast
		conf.LogLevel = "warn"
	}
	if testFunc == "" {
		fmt.Printf("require test function: read_only, write_only or read_write\n")
		os.Exit(1)
	}

	logger := common.MustInitLogger(conf.LogLevel, "Perf")
	performanceTest, err := test.MakePerformanceTest(conf, logger, threads, length, total, first)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	switch testFunc {
	case "read_only":
		performanceTest.TestReadOnly()
	case "write_only":
		performanceTest.TestWriteOnly()
	case "read_write":
		performanceTest.TestReadWrite()
	default:
		fmt.Printf("unknown test function %s\n", testFunc)
		os.Exit(1)
	}
}
