/*
Package poolvm is a minimal runtime for a dynamic language, intended for
environments with severe memory constraints.

PoolVM strives to be a small and predictable engine: all runtime objects live in
one fixed-size memory pool, are addressed by relocatable offsets and are reclaimed
by a mark-and-compact garbage collector. Package structure is as follows:

■ poly: Package poly implements the 32-bit NaN-boxed value representation.

■ pool: Package pool implements the pooled allocator and the compacting collector.

■ agg: Package agg implements sequences and text buffers as collectable objects.

■ code: Package code defines the instruction set, code blobs and a code emitter.

■ vm: Package vm implements the bytecode virtual machine, its frames and loops.

■ asm: Package asm implements a textual assembler for bytecode programs.

■ runtime: Package runtime provides a host environment for embedding the VM.

■ cmd/pvm: Command pvm assembles and runs programs, and offers an interactive session.

The base package contains data types which are used throughout all the other packages.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package poolvm
