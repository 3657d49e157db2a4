package step

import (
	"sort"
	"strconv"
)

// ResultOrder 决定运行结束后取哪个步骤的结果作为输出。
type ResultOrder int

const (
	// DeclarationOrder 取声明顺序中最后一个已保存结果的步骤。
	DeclarationOrder ResultOrder = iota
	// KeyOrder 在全部结果键（不含 input）中取最大者：可解析为数字的键按数值比较，
	// 并排在非数字键之前；非数字键按字典序比较。
	KeyOrder
)

func lastByDeclaration(ec ExecContext, order map[string]int) (string, bool) {
	best, bestIdx := "", -1
	for k := range ec {
		if k == InputKey {
			continue
		}
		idx, ok := order[k]
		if !ok {
			continue
		}
		if idx > bestIdx {
			best, bestIdx = k, idx
		}
	}
	return best, bestIdx >= 0
}

func lastByKey(ec ExecContext) (string, bool) {
	keys := make([]string, 0, len(ec))
	for k := range ec {
		if k != InputKey {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys[len(keys)-1], true
}

func keyLess(a, b string) bool {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

func sortedLabels(m map[string]Step) []string {
	labels := make([]string, 0, len(m))
	for k := range m {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}
