package breeder

import (
	"encoding/json"
	"errors"

	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// descriptorLoop applies descriptor writes and deletions. The channel closes
// when the breeder context ends.
func (b *Breeder) descriptorLoop(ch <-chan fabric.Event) {
	defer b.loopWg.Done()
	for ev := range ch {
		id, err := b.keys.ParseJobKey(ev.Key)
		if err != nil {
			b.log.Debug("ignoring key", "key", ev.Key)
			continue
		}

		if ev.Type == fabric.EventDelete {
			b.onDescriptorDeleted(id)
			continue
		}

		var desc types.Descriptor
		if err := json.Unmarshal(ev.Value, &desc); err != nil {
			b.log.Warn("undecodable descriptor", "jobID", id, "error", err)
			continue
		}
		if desc.ID != id {
			b.log.Warn("descriptor id does not match key", "key", ev.Key, "descriptorID", desc.ID)
			continue
		}
		if _, err := b.OnDescriptorObserved(desc); err != nil && !errors.Is(err, ErrJobReaped) && !errors.Is(err, ErrStopped) {
			b.log.Warn("apply descriptor", "jobID", id, "error", err)
		}
	}
	b.log.Info("descriptor loop stopped")
}

func (b *Breeder) terminateLoop(ch <-chan fabric.Message) {
	defer b.loopWg.Done()
	for msg := range ch {
		id, err := decodeJobID(msg.Payload)
		if err != nil {
			b.log.Warn("bad terminate message", "messageID", msg.ID, "error", err)
			continue
		}
		b.onTerminate(id)
	}
	b.log.Info("terminate loop stopped")
}

// memberLoop tracks departures. A departed member's tasks are not reassigned;
// status reports them DEAD.
func (b *Breeder) memberLoop(ch <-chan fabric.MemberEvent) {
	defer b.loopWg.Done()
	for ev := range ch {
		if ev.Member.ID == b.cfg.NodeID {
			continue
		}
		b.rec.MemberChanged(ev.Type)
		switch ev.Type {
		case fabric.MemberJoined:
			b.memberJoined(ev.Member)
			b.log.Info("member joined", "member", ev.Member.ID, "rpcAddr", ev.Member.RPCAddr)
		case fabric.MemberLeft:
			b.memberLeft(ev.Member)
			b.log.Warn("member left, its tasks are lost", "member", ev.Member.ID)
		}
	}
	b.log.Info("member loop stopped")
}

// resultLoop runs until the pool closes its result channel.
func (b *Breeder) resultLoop() {
	defer b.loopWg.Done()
	for res := range b.pool.Results() {
		b.rec.TaskFinished(res.State)
		if res.State == types.StateDead {
			b.log.Warn("task dead", "jobID", res.JobID, "taskID", res.TaskID, "error", res.Err, "duration", res.Duration)
			continue
		}
		b.log.Debug("task finished", "jobID", res.JobID, "taskID", res.TaskID, "state", res.State, "duration", res.Duration)
	}
	b.log.Info("result loop stopped")
}

func (b *Breeder) reaperLoop() {
	defer b.loopWg.Done()
	ticker := b.clock.Ticker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.log.Info("reaper loop stopped")
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

// reap forgets jobs whose local work finished at least Retention ago.
//
// The originator waits until no task anywhere is live, then deletes the
// descriptor. Other nodes wait for that deletion, or for the originator to
// leave the cluster.
func (b *Breeder) reap() {
	for _, j := range b.registry.List() {
		at, done := j.FinishedAt()
		if !done || b.clock.Since(at) < b.cfg.Retention {
			continue
		}

		if !j.IsOriginator() {
			if b.descriptorGone(j.ID()) || b.isDeparted(j.Originator()) {
				b.log.Info("reaping job", "jobID", j.ID())
				b.forget(j.ID())
			}
			continue
		}

		st, err := j.Status(b.ctx)
		if err != nil || st.Active() {
			continue
		}
		if err := b.fab.Delete(b.ctx, b.keys.Job(j.ID())); err != nil {
			b.log.Warn("delete descriptor", "jobID", j.ID(), "error", err)
			continue
		}
		if err := b.fab.Delete(b.ctx, b.keys.JobCursor(j.ID())); err != nil {
			b.log.Warn("delete job cursor", "jobID", j.ID(), "error", err)
		}
		b.log.Info("reaping job", "jobID", j.ID(), "state", st.State)
		b.forget(j.ID())
	}
}
