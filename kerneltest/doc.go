/*
Package kerneltest provides an in-process fake Jupyter Server for testing
kernel clients without a real Python kernel. It implements the lifecycle REST
routes and the multiplexed channels websocket endpoint, driving executions
through a scriptable Evaluator.

The default evaluator understands just enough of a toy language for end-to-end
tests: integer addition ("1+1"), print("..."), raise Err("...") and
input("..."). Tests that need full control install their own Evaluator.

Injection knobs cover the awkward cases a real server makes hard to reproduce
deterministically: reply-before-idle ordering, withheld terminal signals and
forced connection drops.
*/
package kerneltest
