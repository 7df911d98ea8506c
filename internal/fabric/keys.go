package fabric

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// RootPrefix is prepended to every key of every cluster.
const RootPrefix = "/tilebreeder"

// Keys builds the key layout of one cluster:
//
//	/tilebreeder/<cluster>/jobs/<id>
//	/tilebreeder/<cluster>/seq/job
//	/tilebreeder/<cluster>/cursors/<id>
//	/tilebreeder/<cluster>/members/<node>
//	/tilebreeder/<cluster>/topics/<topic>/<msg>
type Keys struct {
	root string
}

// NewKeys returns the layout for cluster.
func NewKeys(cluster string) Keys {
	if cluster == "" {
		cluster = "default"
	}
	return Keys{root: RootPrefix + "/" + cluster}
}

// Root returns the cluster prefix.
func (k Keys) Root() string { return k.root }

// JobsPrefix is the prefix under which job descriptors live.
func (k Keys) JobsPrefix() string { return k.root + "/jobs/" }

// Job is the descriptor key of a job.
func (k Keys) Job(id types.JobID) string {
	return k.JobsPrefix() + strconv.FormatInt(int64(id), 10)
}

// JobSequence is the counter key job ids are allocated from.
func (k Keys) JobSequence() string { return k.root + "/seq/job" }

// JobCursor is the counter the tasks of a job claim metatile indexes from.
func (k Keys) JobCursor(id types.JobID) string {
	return k.root + "/cursors/" + strconv.FormatInt(int64(id), 10)
}

// MembersPrefix is the prefix of member registrations.
func (k Keys) MembersPrefix() string { return k.root + "/members/" }

// Member is the registration key of a node.
func (k Keys) Member(id types.NodeID) string { return k.MembersPrefix() + string(id) }

// TopicPrefix is the prefix of retained messages of a topic.
func (k Keys) TopicPrefix(topic string) string { return k.root + "/topics/" + topic + "/" }

// TopicMessage is the key of one retained message.
func (k Keys) TopicMessage(topic, msgID string) string { return k.TopicPrefix(topic) + msgID }

// ParseJobKey extracts the job id from a descriptor key.
func (k Keys) ParseJobKey(key string) (types.JobID, error) {
	rest, ok := strings.CutPrefix(key, k.JobsPrefix())
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, fmt.Errorf("not a job key: %q", key)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a job key: %q: %w", key, err)
	}
	return types.JobID(id), nil
}
