package loader

import "sort"

// Built-in user programs. initproc is the default root image: it spawns the
// demonstration programs and reaps them until it has no children left.
var builtins = map[string]string{
	"initproc": `
.string p_hello "hello"
.string p_forktest "forktest"
.string p_exit7 "exit7"
.string p_faulter "faulter"
.string p_badinsn "badinsn"
.string p_exectest "exectest"
.space status 4

main:
	la a0, p_hello
	sys spawn
	la a0, p_forktest
	sys spawn
	la a0, p_exit7
	sys spawn
	la a0, p_faulter
	sys spawn
	la a0, p_badinsn
	sys spawn
	la a0, p_exectest
	sys spawn

reap:
	li a0, -1
	la a1, status
	sys waitpid
	addi t0, a0, 1          # -1: no children left
	beqz t0, done
	addi t0, a0, 2          # -2: still running
	bnez t0, reap
	sys yield
	j reap

done:
	li a0, 0
	sys exit
`,

	"hello": `
main:
	sys getpid
	sys yield
	li a0, 0
	sys exit
`,

	"exit7": `
main:
	li a0, 7
	sys exit
`,

	// forktest exits with the code its child exited with.
	"forktest": `
.space status 4

main:
	sys fork
	beqz a0, child
	mv s1, a0

wait:
	mv a0, s1
	la a1, status
	sys waitpid
	addi t0, a0, 2
	bnez t0, collected
	sys yield
	j wait

collected:
	la t1, status
	lw a0, 0(t1)
	sys exit

child:
	li a0, 9
	sys exit
`,

	"faulter": `
main:
	li t0, 0
	sw t0, 0(t0)
	li a0, 0
	sys exit
`,

	"badinsn": `
main:
	unimp
	li a0, 0
	sys exit
`,

	// exectest checks that a failed exec returns -1 and then becomes exit7.
	"exectest": `
.string missing "no-such-image"
.string target "exit7"

main:
	la a0, missing
	sys exec
	addi t0, a0, 1
	bnez t0, broken
	la a0, target
	sys exec

broken:
	li a0, 1
	sys exit
`,

	// spinner burns its quantum in a counted loop, then exits 0.
	"spinner": `
main:
	li s1, 2000
loop:
	addi s1, s1, -1
	bnez s1, loop
	li a0, 0
	sys exit
`,

	// prio exits 0 when set_priority rejects 1 and accepts 2.
	"prio": `
main:
	li a0, 1
	sys set_priority
	addi t0, a0, 1
	bnez t0, bad
	li a0, 2
	sys set_priority
	addi t0, a0, -2
	bnez t0, bad
	li s1, 500
loop:
	addi s1, s1, -1
	bnez s1, loop
	li a0, 0
	sys exit

bad:
	li a0, 1
	sys exit
`,
}

// BuiltinNames returns the names of the built-in images in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
