// Lock order, documented once (spec §5):
//
//	NI.gblMutex  before  NI.objLock  before  PTE.Entry.Mu  before  CT.mutex
//	NI.CTWait.Mu before  CT.mutex
//	NI.EQWait.Mu before  EQ's internal mutex
//
// A goroutine holding a lock lower in this order must never attempt to
// acquire one higher in it. The matching engine holds PTE.Entry.Mu for
// its whole walk, including its CT.Increment/EQ.Push calls, which is
// safe only because those calls acquire strictly lower locks (CT.mutex,
// the EQ's internal mutex) and never re-enter PTE.Entry.Mu.
// pte.Entry.BeginDelivery/EndDelivery track in-flight deliveries so
// Disable/Free can drain before tearing an entry down; they are not a
// lock-ordering device.
package ni
