package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cjeanneret/filterwheel/internal/logic/motion"
)

func (c *session) dispatch(ctx context.Context, id int, verb string, args []string) {
	switch strings.ToLower(verb) {
	case "ping":
		c.reply(id, CodeDone, "alive")
	case "status":
		c.status(ctx, id)
	case "stop", "stopwheel":
		if err := c.srv.wheel.Stop(ctx); err != nil {
			c.reply(id, CodeFailed, err.Error())
			return
		}
		c.reply(id, CodeDone, "")
	case "init", "initialize":
		if err := c.srv.wheel.Init(ctx); err != nil {
			c.reply(id, CodeFailed, err.Error())
			return
		}
		c.status(ctx, id)
	case "home":
		c.run(ctx, id, func() (<-chan motion.Result, error) {
			return c.srv.wheel.Home(ctx)
		}, motion.Status.KeywordString)
	case "move":
		c.move(ctx, id, args)
	case "diffuin", "diffuout":
		if c.srv.diff == nil {
			c.reply(id, CodeFailed, "no diffuser")
			return
		}
		start := c.srv.diff.In
		if strings.EqualFold(verb, "diffuOut") {
			start = c.srv.diff.Out
		}
		c.run(ctx, id, func() (<-chan motion.Result, error) {
			return start(ctx)
		}, nil)
	case "startdiffurot", "stopdiffurot":
		if c.srv.diff == nil {
			c.reply(id, CodeFailed, "no diffuser")
			return
		}
		set := c.srv.diff.StartRotation
		if strings.EqualFold(verb, "stopDiffuRot") {
			set = c.srv.diff.StopRotation
		}
		if err := set(ctx); err != nil {
			c.reply(id, CodeFailed, err.Error())
			return
		}
		c.reply(id, CodeDone, "")
	case "":
		c.reply(id, CodeFailed, "no command")
	default:
		c.reply(id, CodeFailed, fmt.Sprintf("unknown command %q", verb))
	}
}

func (c *session) status(ctx context.Context, id int) {
	s, err := c.srv.wheel.Status(ctx)
	if err != nil {
		c.reply(id, CodeFailed, err.Error())
		return
	}
	c.reply(id, CodeInfo, s.KeywordString())
	c.reply(id, CodeDone, "")
}

func (c *session) move(ctx context.Context, id int, args []string) {
	if len(args) != 1 {
		c.reply(id, CodeFailed, "move takes one filter position")
		return
	}
	pos, err := strconv.Atoi(args[0])
	if err != nil {
		c.reply(id, CodeFailed, fmt.Sprintf("filter position %q is not a number", args[0]))
		return
	}
	c.run(ctx, id, func() (<-chan motion.Result, error) {
		return c.srv.wheel.MoveToFilter(ctx, pos)
	}, motion.Status.MoveString)
}

// run starts an operation, acknowledges it as running and reports the
// outcome when it completes. Rejections fail the command at once. When
// info is set, the current status rendered by it follows the
// acknowledgement. The completion waiter is tracked by the server so
// shutdown does not return before it has finished writing.
func (c *session) run(ctx context.Context, id int, start func() (<-chan motion.Result, error), info func(motion.Status) string) {
	ch, err := start()
	if err != nil {
		c.reply(id, CodeFailed, err.Error())
		return
	}
	c.reply(id, CodeRunning, "")
	if info != nil {
		c.reply(id, CodeInfo, info(c.srv.wheel.Snapshot()))
	}
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		select {
		case res, ok := <-ch:
			if !ok {
				c.reply(id, CodeFailed, "operation aborted")
				return
			}
			c.srv.broadcast(id, res.Status.KeywordString())
			if res.OK {
				c.reply(id, CodeDone, res.Reason)
			} else {
				c.reply(id, CodeFailed, res.Reason)
			}
		case <-ctx.Done():
		}
	}()
}
