package taskgate

import "strings"

// ResourceKind classifies the resource a job binds, for display only.
type ResourceKind int

const (
	ResourceGeneric ResourceKind = iota
	ResourceChat
	ResourceAccount
	ResourceFile
	ResourceBatch
	ResourceUser
)

var resourceKindLabels = map[ResourceKind]string{
	ResourceGeneric: "resource_id",
	ResourceChat:    "chat_id",
	ResourceAccount: "account_id",
	ResourceFile:    "file_id",
	ResourceBatch:   "batch_id",
	ResourceUser:    "user_id",
}

func (k ResourceKind) Label() string {
	if l, ok := resourceKindLabels[k]; ok {
		return l
	}
	return resourceKindLabels[ResourceGeneric]
}

type labelRule struct {
	patterns []string
	kind     ResourceKind
}

// First matching rule wins.
var labelRules = []labelRule{
	{patterns: []string{"tg", "group_history"}, kind: ResourceChat},
	{patterns: []string{"account"}, kind: ResourceAccount},
	{patterns: []string{"file", "download"}, kind: ResourceFile},
	{patterns: []string{"batch", "import"}, kind: ResourceBatch},
	{patterns: []string{"user"}, kind: ResourceUser},
}

// ResourceKindFor maps a job name to the kind of resource it usually binds.
func ResourceKindFor(jobName string) ResourceKind {
	name := strings.ToLower(jobName)
	for _, rule := range labelRules {
		for _, p := range rule.patterns {
			if strings.Contains(name, p) {
				return rule.kind
			}
		}
	}
	return ResourceGeneric
}
