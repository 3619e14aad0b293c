package data

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRep/cmd/util"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dRep clusters",
		Long:    "Runs a set of benchmarks against a node. Every change goes through the whole cluster, so the results show the commit latency of the cluster.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfCollection       = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfThingSpread      = 100
	perfSkip             = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,ping)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "things"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different things to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfThingSpread = max(viper.GetInt("things"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()

	fmt.Println("Performance testing tool for dRep clusters")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	collection, err := rpcClient.NewCollection(perfCollection)
	if err != nil {
		return fmt.Errorf("cannot create the benchmark collection: %w", err)
	}
	defer func() {
		if err := rpcClient.DelCollection(perfCollection); err != nil {
			log.Printf("error deleting the benchmark collection: %v\n", err)
		}
	}()

	for thing := range thingIDs() {
		if _, err := rpcClient.NewThing(collection, thing, nil); err != nil {
			return fmt.Errorf("cannot create thing %d: %w", thing, err)
		}
	}

	fmt.Println("starting tests...")
	results := make(map[string]testing.BenchmarkResult)

	results["ping"] = bench("ping", func() error {
		_, err := rpcClient.Ping()
		return err
	})

	var counter atomic.Uint64
	value := []byte("test")
	results["set"] = bench("set", func() error {
		thing := counter.Add(1)%uint64(perfThingSpread) + 1
		_, err := rpcClient.Set(collection, thing, map[string][]byte{"value": value})
		return err
	})

	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	results["set-large"] = bench("set-large", func() error {
		thing := counter.Add(1)%uint64(perfThingSpread) + 1
		_, err := rpcClient.Set(collection, thing, map[string][]byte{"value": largeValue})
		return err
	})

	// things above the spread are created and dropped again
	var next atomic.Uint64
	next.Store(uint64(perfThingSpread))
	results["new-drop"] = bench("new-drop", func() error {
		thing := next.Add(1)
		if _, err := rpcClient.NewThing(collection, thing, map[string][]byte{"value": value}); err != nil {
			return err
		}
		_, err := rpcClient.Del(collection, thing)
		return err
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, &config); err != nil {
			return err
		}
		fmt.Printf("results written to %s\n", csvPath)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// bench runs op in parallel and prints the result
func bench(test string, op func() error) testing.BenchmarkResult {
	result := testing.Benchmark(func(b *testing.B) {
		if shouldSkip(test) {
			return
		}
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := op(); err != nil {
					log.Printf("(%s) - error: %v\n", test, err)
				}
			}
		})
	})
	printResult(test, result)
	return result
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// thingIDs yields the ids of the things shared by the benchmarks
func thingIDs() func(func(uint64) bool) {
	return func(yield func(uint64) bool) {
		for i := 1; i <= perfThingSpread; i++ {
			if !yield(uint64(i)) {
				return
			}
		}
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoint", "TimeoutSec", "RetryCount", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Things",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Endpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			config.Serializer,
			config.Transport,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfThingSpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
