package cluster

import (
	"slices"
)

// Assign 把 owners 按全局顺序分给 candidates，返回 self 承担的部分
//
// 第 i 个 owner 归第 i mod m 个候选节点（candidates 升序后）。
// 所有节点对同样的输入得到互不重叠且完整的划分。self 不在候选中时返回 nil。
func Assign(owners, candidates []string, self string) []string {
	sorted := normalize(candidates)
	ordinal := slices.Index(sorted, self)
	if ordinal < 0 {
		return nil
	}

	m := len(sorted)
	var assigned []string
	for i, owner := range owners {
		if i%m == ordinal {
			assigned = append(assigned, owner)
		}
	}
	return assigned
}

// normalize 返回升序、去重、去空的副本
func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
