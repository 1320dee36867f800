// Package vm implements the Squall virtual machine, an embeddable
// dynamically typed scripting core.
//
// This package contains:
//   - Tagged value representation with explicit reference counting,
//     weak references and an optional cycle collector
//   - Tables, arrays, user data, classes and instances behind one
//     container protocol with delegates and metamethods
//   - Script closures with upvalues and native closures with type masks
//   - A register interpreter with tail calls, generators and suspendable
//     threads
//   - The stack-based host API and closure streams
//
// A VM is a thread. Open returns the root thread of a new shared state;
// NewThread creates coroutines sharing its heap. Hosts exchange values
// with the VM through the thread's stack, addressed with 1-based indices
// from the frame base or negative indices from the top:
//
//	v := vm.Open(vm.DefaultConfig())
//	defer v.Close()
//	v.GetRootTable()
//	v.PushString("answer")
//	v.PushInteger(42)
//	if err := v.NewSlot(-3, false); err != nil {
//		log.Fatal(err)
//	}
package vm
