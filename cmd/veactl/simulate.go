package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/embedvea/vea/vea"
)

var (
	flagProducers int
	flagOps       int
	flagMaxBlocks uint32
	flagKeepAlive int
)

// simulateCmd drives concurrent producers against a single loaded
// Instance, each with its own persisted hint cursor, serialized by one
// mutex per spec.md §1's "caller serializes access" contract — Instance
// takes no lock of its own. Grounded on the producer/hint model of
// vea_hint.c applied through an errgroup fan-out, progress reported on a
// uiprogress bar.
var simulateCmd = &cobra.Command{
	Use:   "simulate <device>",
	Short: "Stress an already-formatted device with concurrent reserve/publish/free cycles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		inst, err := vea.Load(device, walPathFor(device))
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer vea.Unload(inst)

		totalOps := flagProducers * flagOps
		uiprogress.Start()
		defer uiprogress.Stop()
		bar := uiprogress.AddBar(totalOps)
		bar.AppendCompleted()
		bar.PrependElapsed()

		var mu sync.Mutex   // serializes every call into inst
		var barMu sync.Mutex // serializes bar.Set against itself

		completed := 0
		group, _ := errgroup.WithContext(context.Background())

		for p := 0; p < flagProducers; p++ {
			p := p
			mu.Lock()
			hint, hintErr := vea.HintLoad(inst, uint64(p)+1)
			mu.Unlock()
			if hintErr != nil {
				return fmt.Errorf("load hint for producer %d: %w", p, hintErr)
			}

			group.Go(func() error {
				rnd := rand.New(rand.NewSource(int64(p) + 1))
				var held []*vea.ReservedExt

				for i := 0; i < flagOps; i++ {
					blkCnt := uint32(rnd.Intn(int(flagMaxBlocks))) + 1

					mu.Lock()
					r, err := vea.Reserve(inst, blkCnt, hint)
					if err == nil {
						err = vea.Publish(inst, nil, hint, []*vea.ReservedExt{r})
					}
					mu.Unlock()
					if err != nil {
						return fmt.Errorf("producer %d op %d: %w", p, i, err)
					}
					held = append(held, r)

					if len(held) > flagKeepAlive {
						victim := held[0]
						held = held[1:]
						mu.Lock()
						err := vea.Free(inst, nil, victim.Off, victim.Cnt)
						mu.Unlock()
						if err != nil {
							return fmt.Errorf("producer %d free: %w", p, err)
						}
					}

					barMu.Lock()
					completed++
					bar.Set(completed)
					barMu.Unlock()
				}
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			return err
		}
		log.Infof("completed %d reserve/publish cycles across %d producers", totalOps, flagProducers)
		return nil
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&flagProducers, "producers", 4, "number of concurrent producer goroutines")
	f.IntVar(&flagOps, "ops", 100, "reserve/publish cycles per producer")
	f.Uint32Var(&flagMaxBlocks, "max-blocks", 16, "largest block count a single reservation may request")
	f.IntVar(&flagKeepAlive, "keep-alive", 4, "how many of a producer's own allocations stay held before the oldest is freed")
}
