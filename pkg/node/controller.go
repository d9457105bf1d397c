package node

import (
	"context"
	"sync"
	"time"

	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const DefaultProcessPeriodMs = 1

// [NodeProcessor] is responsible for handling the node
// internal processing, i.e. calling [LocalNode.Process]
// periodically and every time a request is received.
type NodeProcessor struct {
	logger *log.Entry
	node   *LocalNode
	period time.Duration
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func NewNodeProcessor(n *LocalNode, periodMs uint32) *NodeProcessor {
	if periodMs == 0 {
		periodMs = DefaultProcessPeriodMs
	}
	return &NodeProcessor{
		logger: log.WithFields(log.Fields{"service": "[CTRLR]", "node": n.GetID()}),
		node:   n,
		period: time.Duration(periodMs) * time.Millisecond,
		wg:     &sync.WaitGroup{},
	}
}

// Main node processing
func (c *NodeProcessor) main(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	notify := c.node.Server.Notify()
	last := time.Now()
	c.logger.Info("starting node main process")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("exited node main process")
			return
		case <-ticker.C:
		case <-notify:
		}
		// Keep sub millisecond remainders for the next call
		ms := time.Since(last).Milliseconds()
		last = last.Add(time.Duration(ms) * time.Millisecond)
		status, err := c.node.Process(uint32(ms))
		if err != nil && status == sdo.ServerAborted {
			c.logger.Debugf("transfer aborted : %v", err)
		}
	}
}

// Start node processing, this will be run inside of a go routine
// Call Stop() to stop processing or cancel the context
// Call Wait() to wait for end of execution
func (c *NodeProcessor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.main(ctx)
	}()
	return nil
}

// Stop node processing
// Wait should be called in order to make sure that processing has stopped
func (c *NodeProcessor) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Wait for processing to finish (blocking)
func (c *NodeProcessor) Wait() error {
	c.wg.Wait()
	return nil
}

// Get underlying [LocalNode] object
func (c *NodeProcessor) GetNode() *LocalNode {
	return c.node
}

// Run processes the node until ctx is done
func (node *LocalNode) Run(ctx context.Context, periodMs uint32) error {
	processor := NewNodeProcessor(node, periodMs)
	if err := processor.Start(ctx); err != nil {
		return err
	}
	err := processor.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}
