// Package contracts holds the ABI of the on-chain contracts the shop talks to.
package contracts

// HashedTimelockABI is the ABI of the HashedTimelock contract: ether is
// locked against a sha256 hashlock and a unix timelock, released to the
// receiver with the preimage or refunded to the sender after the timelock.
const HashedTimelockABI = `[
  {"type":"function","name":"newContract","stateMutability":"payable",
   "inputs":[{"name":"_receiver","type":"address"},{"name":"_hashlock","type":"bytes32"},{"name":"_timelock","type":"uint256"}],
   "outputs":[{"name":"contractId","type":"bytes32"}]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"_contractId","type":"bytes32"},{"name":"_preimage","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"_contractId","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getContract","stateMutability":"view",
   "inputs":[{"name":"_contractId","type":"bytes32"}],
   "outputs":[{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"withdrawn","type":"bool"},{"name":"refunded","type":"bool"},{"name":"preimage","type":"bytes32"}]},
  {"type":"event","name":"LogHTLCNew","anonymous":false,
   "inputs":[{"name":"contractId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"hashlock","type":"bytes32","indexed":false},{"name":"timelock","type":"uint256","indexed":false}]},
  {"type":"event","name":"LogHTLCWithdraw","anonymous":false,
   "inputs":[{"name":"contractId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"LogHTLCRefund","anonymous":false,
   "inputs":[{"name":"contractId","type":"bytes32","indexed":true}]}
]`
