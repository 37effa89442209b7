// Package execution 跟踪已决定的转账：在代理预算锁内预留额度后创建 pending 执行，
// 通过队列交给工作协程提交上链，并在到达 completed 或 failed 终态后回写代理统计。
package execution
