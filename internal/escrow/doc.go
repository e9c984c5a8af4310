// Package escrow 实现任务托管账本：每个任务持有支付与质押两笔相互独立的资产，
// 由参与方的动作驱动状态机前进，并在终态按结果一次性结算资金。
//
// 账本不做任何后台调度，所有与时间相关的判断都在动作提交时依据调用方传入的
// now 惰性求值。
package escrow
