package main

import (
	"context"
	"crypto/ecdsa"
	"log"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	sentinel "github.com/nikillxh/sentinel"
	"github.com/nikillxh/sentinel/configs"
	"github.com/nikillxh/sentinel/internal/audit"
	"github.com/nikillxh/sentinel/internal/db"
	"github.com/nikillxh/sentinel/internal/server"
	"github.com/nikillxh/sentinel/internal/tools"
	"github.com/nikillxh/sentinel/pkg/channel"
	"github.com/nikillxh/sentinel/pkg/contractclient"
	"github.com/nikillxh/sentinel/pkg/guard"
	"github.com/nikillxh/sentinel/pkg/identity"
	"github.com/nikillxh/sentinel/pkg/policy"
	"github.com/nikillxh/sentinel/pkg/quote"
	"github.com/nikillxh/sentinel/pkg/settle"
	"github.com/nikillxh/sentinel/pkg/txlistener"
	"github.com/nikillxh/sentinel/pkg/types"
	"github.com/nikillxh/sentinel/pkg/util"
)

func main() {
	_ = godotenv.Load()

	operatorKey := loadOperatorKey()
	operatorAddr := crypto.PubkeyToAddress(operatorKey.PublicKey)
	log.Printf("operator address: %s", operatorAddr.Hex())

	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	conf, err := configs.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	policyConf, err := conf.ToPolicyConfig()
	if err != nil {
		panic(err)
	}
	engine, err := policy.NewEngine(policyConf)
	if err != nil {
		panic(err)
	}
	log.Printf("policy hash: %s", engine.Hash())

	sessionConf, err := conf.ToSessionConfig()
	if err != nil {
		panic(err)
	}

	// Counterparty co-signer. A dedicated broker key may be supplied; an
	// ephemeral one still produces verifiable co-signatures.
	cosigner := channel.NewLocalCoSigner(loadKeyOrGenerate("BROKER_PK"))
	ledger := channel.NewLedger(operatorKey, cosigner,
		channel.WithUpdateTimeout(sessionConf.Timeout))

	auditLog := audit.NewLog()
	opts := []sentinel.Option{
		sentinel.WithLedger(ledger),
		sentinel.WithSessionConfig(sessionConf),
	}
	if conf.Recorder.DSN != "" {
		recorder, err := db.NewMySQLRecorder(conf.Recorder.DSN)
		if err != nil {
			panic(err)
		}
		defer recorder.Close()
		auditLog = audit.NewLog(audit.WithRecorder(recorder))
		opts = append(opts, sentinel.WithSwapRecorder(recorder))
	}
	opts = append(opts, sentinel.WithAuditLog(auditLog))

	var oracle quote.Oracle = quote.NewLocalAMM()

	if conf.RPC != "" {
		client, err := ethclient.Dial(conf.RPC)
		if err != nil {
			panic(err)
		}
		listener := txlistener.NewTxListener(client,
			txlistener.WithPollInterval(3*time.Second),
			txlistener.WithTimeout(5*time.Minute),
		)

		if conf.Contracts.Quoter != "" {
			oracle = chainOracle(client, conf)
		}
		if conf.Contracts.PolicyGuard != "" && conf.Contracts.Vault != "" {
			settler := chainSettler(client, listener, conf, operatorKey, operatorAddr)
			opts = append(opts, sentinel.WithSettler(settler))
		}
		if conf.Identity.AgentName != "" && conf.Identity.Registry != "" {
			verifyPolicyAnchor(client, conf, engine.Hash(), auditLog)
		}
	} else {
		log.Printf("no RPC configured, settling against the local guard")
		opts = append(opts, sentinel.WithSettler(localSettler(engine, operatorAddr)))
	}

	kernel := sentinel.New(engine, oracle, opts...)
	registry := tools.NewRegistry(kernel)
	log.Printf("agent tools: %v", registry.Names())

	listen := conf.Server.Listen
	if listen == "" {
		listen = ":8080"
	}
	log.Printf("listening on %s", listen)
	if err := http.ListenAndServe(listen, server.New(kernel).Handler()); err != nil {
		panic(err)
	}
}

// loadOperatorKey reads ENC_PK/KEY (AES-GCM encrypted hex key) or falls
// back to an ephemeral key for local development.
func loadOperatorKey() *ecdsa.PrivateKey {
	encryptedPk := os.Getenv("ENC_PK")
	passphrase := os.Getenv("KEY")
	if encryptedPk == "" || passphrase == "" {
		log.Printf("ENC_PK/KEY not set, generating an ephemeral operator key")
		key, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		return key
	}
	pkHex, err := util.Decrypt([]byte(passphrase), encryptedPk)
	if err != nil {
		panic(err)
	}
	key, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		panic(err)
	}
	return key
}

func loadKeyOrGenerate(env string) *ecdsa.PrivateKey {
	if hexKey := os.Getenv(env); hexKey != "" {
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			panic(err)
		}
		return key
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

func chainOracle(client *ethclient.Client, conf *configs.Config) quote.Oracle {
	quoterABI, err := util.ParseABI(`[
  {"type":"function","name":"quoteExactInputSingle","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},
             {"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},
             {"name":"sqrtPriceLimitX96","type":"uint160"}],
   "outputs":[{"name":"amountOut","type":"uint256"}]}
]`)
	if err != nil {
		panic(err)
	}
	quoterClient := contractclient.NewContractClient(client,
		common.HexToAddress(conf.Contracts.Quoter), quoterABI)

	var poolClient *contractclient.ContractClient
	if conf.Contracts.Pool != "" {
		poolABI, err := util.ParseABI(`[
  {"type":"function","name":"slot0","stateMutability":"view","inputs":[],
   "outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},
              {"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},
              {"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},
              {"name":"unlocked","type":"bool"}]}
]`)
		if err != nil {
			panic(err)
		}
		poolClient = contractclient.NewContractClient(client,
			common.HexToAddress(conf.Contracts.Pool), poolABI)
	}

	const feeTier = 3000
	return quote.NewFallbackOracle(
		quote.NewChainQuoter(quoterClient, poolClient, feeTier),
		quote.NewLocalAMM(),
	)
}

func chainSettler(
	client *ethclient.Client,
	listener *txlistener.TxListener,
	conf *configs.Config,
	operatorKey *ecdsa.PrivateKey,
	operatorAddr common.Address,
) *settle.Settler {
	guardABI, err := util.ParseABI(settle.GuardABI)
	if err != nil {
		panic(err)
	}
	vaultABI, err := util.ParseABI(settle.VaultABI)
	if err != nil {
		panic(err)
	}
	vaultAddr := common.HexToAddress(conf.Contracts.Vault)
	backend := settle.NewChainBackend(
		contractclient.NewContractClient(client, common.HexToAddress(conf.Contracts.PolicyGuard), guardABI),
		contractclient.NewContractClient(client, vaultAddr, vaultABI),
		listener,
		operatorKey,
		operatorAddr,
	)
	return settle.NewSettler(backend, vaultAddr)
}

func localSettler(engine *policy.Engine, operatorAddr common.Address) *settle.Settler {
	mirror := guard.PolicyMirror{
		MaxSettlementUsdc: mustUnits("10000", types.AssetUSDC.Decimals()),
		MaxSettlementEth:  mustUnits("10", types.AssetETH.Decimals()),
		AllowedTokens:     []common.Address{types.AssetUSDC.Address()},
		PolicyHash:        policy.HashBytes(engine.Config()),
	}
	g := guard.NewPolicyGuard(operatorAddr, mirror)
	vaultAddr := common.HexToAddress("0x00000000000000000000000000000000000c0ffe")
	if err := g.BindVault(operatorAddr, vaultAddr); err != nil {
		panic(err)
	}
	vault := guard.NewVault(vaultAddr, operatorAddr, common.Address{}, g)
	return settle.NewSettler(settle.NewLocalBackend(g, vault, operatorAddr), vaultAddr)
}

func verifyPolicyAnchor(client *ethclient.Client, conf *configs.Config, localHash string, auditLog *audit.Log) {
	resolver, err := identity.NewResolver(client,
		common.HexToAddress(conf.Identity.Registry), conf.Identity.Strict)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := resolver.VerifyPolicyAnchor(ctx, conf.Identity.AgentName, localHash); err != nil {
		auditLog.Append(audit.KindPolicyAnchorCheck, "", conf.Identity.AgentName, err.Error(), nil)
		panic(err)
	}
	auditLog.Append(audit.KindPolicyAnchorCheck, "", conf.Identity.AgentName, "", map[string]string{
		"policyHash": localHash,
	})
	log.Printf("policy anchor verified for %s", conf.Identity.AgentName)
}

func mustUnits(value string, decimals int) *big.Int {
	parsed, err := types.ParseUnits(value, decimals)
	if err != nil {
		panic(err)
	}
	return parsed
}
