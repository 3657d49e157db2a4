// Package company 声明角色与计划，并驱动计划在 agent 之间逐步执行。
package company
