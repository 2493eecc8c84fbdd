package evm

import (
	"encoding/binary"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const htlcABIJSON = `[
  {"type":"function","name":"commit","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"Id","type":"bytes32"},{"name":"srcReceiver","type":"address"},{"name":"timelock","type":"uint48"},
    {"name":"tokenContract","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"dstChain","type":"string"},{"name":"dstAsset","type":"string"},{"name":"dstAddress","type":"string"}]},
  {"type":"function","name":"lock","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"Id","type":"bytes32"},{"name":"hashlock","type":"bytes32"},{"name":"reward","type":"uint256"},
    {"name":"rewardTimelock","type":"uint48"},{"name":"timelock","type":"uint48"},{"name":"srcReceiver","type":"address"},
    {"name":"tokenContract","type":"address"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"addLockSig","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"Id","type":"bytes32"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint48"},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"redeem","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"Id","type":"bytes32"},{"name":"secret","type":"bytes32"}]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"Id","type":"bytes32"}]},
  {"type":"event","name":"TokenCommitted","anonymous":false,"inputs":[
    {"name":"Id","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},
    {"name":"srcReceiver","type":"address","indexed":true},{"name":"tokenContract","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},{"name":"timelock","type":"uint48","indexed":false},
    {"name":"dstChain","type":"string","indexed":false},{"name":"dstAsset","type":"string","indexed":false},
    {"name":"dstAddress","type":"string","indexed":false}]},
  {"type":"event","name":"TokenLockAdded","anonymous":false,"inputs":[
    {"name":"Id","type":"bytes32","indexed":true},{"name":"hashlock","type":"bytes32","indexed":false},
    {"name":"timelock","type":"uint48","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	htlcABI  = mustParseABI(htlcABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)

	tokenCommittedTopic = htlcABI.Events["TokenCommitted"].ID
	tokenLockAddedTopic = htlcABI.Events["TokenLockAdded"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// AddLockDigest is the EIP-191 digest a user signs to authorise addLockSig:
// personal_sign(keccak256(id || hashlock || uint48(timelock))).
func AddLockDigest(id, hashlock [32]byte, timelock uint64) []byte {
	packed := make([]byte, 0, 70)
	packed = append(packed, id[:]...)
	packed = append(packed, hashlock[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timelock)
	packed = append(packed, ts[2:]...)
	return accounts.TextHash(gethcrypto.Keccak256(packed))
}
